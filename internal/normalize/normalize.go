// Package normalize converts raw decoded records into canonical log events.
//
// Normalization never fails the caller: each record produces a Result that
// either carries an Event or names the reason it was skipped.
package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"logfanout/internal/codec"
	"logfanout/internal/logevent"
)

// Reason explains why a record was dropped.
type Reason string

const (
	// ReasonNotObject means the record is not a JSON object.
	ReasonNotObject Reason = "not_object"
	// ReasonUnencodable means the record could not be rendered as text.
	ReasonUnencodable Reason = "unencodable"
)

// Field aliases, checked in order. The first present, non-empty value wins.
var (
	DefaultTimestampFields = []string{"timestamp", ".timestamp", "time", "ts"}
	DefaultMessageFields   = []string{"message", ".", "log"}
)

// Result is the tagged outcome of normalizing one record.
type Result struct {
	Event   logevent.Event
	Skipped Reason

	// TimestampDefaulted is set when the record had no usable timestamp and
	// the processing time was substituted.
	TimestampDefaulted bool
}

// OK reports whether the result carries an event.
func (r Result) OK() bool { return r.Skipped == "" }

// Normalizer holds the field aliases and clock used for normalization.
// The zero value is not usable; call New.
type Normalizer struct {
	now             func() time.Time
	timestampFields []string
	messageFields   []string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock replaces time.Now as the source of defaulted timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithTimestampFields overrides the timestamp field aliases.
func WithTimestampFields(fields ...string) Option {
	return func(n *Normalizer) { n.timestampFields = fields }
}

// WithMessageFields overrides the message field aliases.
func WithMessageFields(fields ...string) Option {
	return func(n *Normalizer) { n.messageFields = fields }
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		now:             time.Now,
		timestampFields: DefaultTimestampFields,
		messageFields:   DefaultMessageFields,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts one record.
func (n *Normalizer) Normalize(rec codec.Record) Result {
	obj, ok := rec.(map[string]any)
	if !ok {
		return Result{Skipped: ReasonNotObject}
	}

	var res Result
	ts, ok := n.timestamp(obj)
	if !ok {
		ts = n.now().UnixMilli()
		res.TimestampDefaulted = true
	}

	msg, ok := n.message(obj)
	if !ok {
		return Result{Skipped: ReasonUnencodable}
	}

	res.Event = logevent.Event{TimestampMS: ts, Message: msg}
	return res
}

func (n *Normalizer) timestamp(obj map[string]any) (int64, bool) {
	v := firstPresent(obj, n.timestampFields)
	switch tv := v.(type) {
	case string:
		if ts, ok := parseISO(tv); ok {
			return ts.UnixMilli(), true
		}
	case json.Number:
		return epochMillis(tv)
	case float64:
		return floatMillis(tv)
	}
	return 0, false
}

func (n *Normalizer) message(obj map[string]any) (string, bool) {
	switch mv := firstPresent(obj, n.messageFields).(type) {
	case nil:
		return encodeJSON(obj)
	case string:
		return mv, true
	case json.Number:
		return mv.String(), true
	case float64:
		return strconv.FormatFloat(mv, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(mv), true
	default:
		return encodeJSON(mv)
	}
}

// firstPresent returns the first non-empty value among fields, or nil.
func firstPresent(obj map[string]any, fields []string) any {
	for _, f := range fields {
		v, ok := obj[f]
		if !ok || isEmpty(v) {
			continue
		}
		return v
	}
	return nil
}

// isEmpty treats null, "", 0, false, {} and [] as absent.
func isEmpty(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return tv == ""
	case bool:
		return !tv
	case json.Number:
		f, err := tv.Float64()
		return err == nil && f == 0
	case float64:
		return tv == 0
	case map[string]any:
		return len(tv) == 0
	case []any:
		return len(tv) == 0
	}
	return false
}

// encodeJSON renders v compactly without HTML escaping.
func encodeJSON(v any) (string, bool) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", false
	}
	return strings.TrimSuffix(buf.String(), "\n"), true
}
