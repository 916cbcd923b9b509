// Package notification models the batches handed to the processor by the
// delivery substrate and extracts object references from their bodies.
//
// A body is either a topic fan-out envelope whose Message field holds a
// JSON-encoded storage event, or the storage event itself.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// ErrMalformed is returned for bodies that are not a recognisable storage
// event. Redelivering them cannot help.
var ErrMalformed = errors.New("malformed notification")

// Item is one message of a batch.
type Item struct {
	// ID is the substrate's message identifier, unique within a batch.
	ID   string
	Body string
	// ReceiveCount is how many times the substrate has delivered this
	// message, when known.
	ReceiveCount int
}

// Batch is an ordered sequence of items.
type Batch []Item

// ObjectReference names one stored log object.
type ObjectReference struct {
	Bucket string
	Key    string
}

func (r ObjectReference) String() string { return "s3://" + r.Bucket + "/" + r.Key }

// Parse extracts every object reference from a notification body. A
// storage test event, or any event without records, yields no references
// and no error.
func Parse(body string) ([]ObjectReference, error) {
	raw := strings.TrimSpace(body)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var peek struct {
		Message *string         `json:"Message"`
		Records json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal([]byte(raw), &peek); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if peek.Message != nil && peek.Records == nil {
		var env events.SNSEntity
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("%w: envelope: %w", ErrMalformed, err)
		}
		return parseEvent(env.Message)
	}
	return parseEvent(raw)
}

func parseEvent(raw string) ([]ObjectReference, error) {
	var ev events.S3Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("%w: storage event: %w", ErrMalformed, err)
	}
	refs := make([]ObjectReference, 0, len(ev.Records))
	for i, rec := range ev.Records {
		bucket := rec.S3.Bucket.Name
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: key %q: %w", ErrMalformed, i, rec.S3.Object.Key, err)
		}
		if bucket == "" || key == "" {
			return nil, fmt.Errorf("%w: record %d: missing bucket or key", ErrMalformed, i)
		}
		refs = append(refs, ObjectReference{Bucket: bucket, Key: key})
	}
	return refs, nil
}

// FromSQSEvent converts a Lambda SQS event into a Batch, preserving order.
func FromSQSEvent(ev events.SQSEvent) Batch {
	b := make(Batch, 0, len(ev.Records))
	for _, m := range ev.Records {
		b = append(b, Item{
			ID:           m.MessageId,
			Body:         m.Body,
			ReceiveCount: receiveCount(m.Attributes),
		})
	}
	return b
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs["ApproximateReceiveCount"])
	if err != nil {
		return 0
	}
	return n
}
