// Package codec turns the bytes of a stored log object into a sequence of
// raw structured records.
//
// Parsing policy, in order:
//  1. The whole text as one JSON value. An array yields one record per
//     element; any other value yields a single record.
//  2. Line-delimited JSON. Each non-empty line is parsed on its own; a line
//     that fails to parse is skipped and counted. A line holding an array
//     contributes each element.
//
// Records are yielded lazily. Numbers are kept as json.Number so that
// integer timestamps survive unchanged.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// ErrMalformed marks an object whose bytes could not be decoded at all
// (corrupt compression stream). Retrying such an object cannot help.
var ErrMalformed = errors.New("malformed object")

// Record is one decoded JSON value. Objects decode to map[string]any.
type Record = any

// Format reports which parsing strategy produced the records.
type Format string

const (
	FormatEmpty  Format = "empty"
	FormatArray  Format = "array"
	FormatObject Format = "object"
	FormatLines  Format = "ndjson"
)

// Stats summarizes one pass over an object.
type Stats struct {
	Format    Format
	Encoding  Encoding
	Bytes     int // decompressed size
	Records   int // records yielded
	Lines     int // non-empty lines seen (ndjson only)
	Malformed int // lines that failed to parse (ndjson only)
}

// Stream is a decoded object. Records must be consumed before Stats is
// meaningful.
type Stream struct {
	text  []byte
	whole []Record
	stats Stats
}

var utf8BOM = []byte("\xef\xbb\xbf")

// Decode decompresses data according to the suffix of name and prepares the
// record stream. maxBytes bounds the decompressed size (<= 0 for no limit).
//
// A corrupt compression stream returns an error wrapping ErrMalformed. An
// object that decodes but yields no records is not an error.
func Decode(name string, data []byte, maxBytes int64) (*Stream, error) {
	enc := EncodingFor(name)
	text, err := decompress(data, enc, maxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, name, err)
	}
	text = bytes.TrimPrefix(text, utf8BOM)

	s := &Stream{text: text, stats: Stats{Encoding: enc, Bytes: len(text)}}

	if len(bytes.TrimSpace(text)) == 0 {
		s.stats.Format = FormatEmpty
		return s, nil
	}

	if v, ok := parseOne(text); ok {
		if arr, isArr := v.([]any); isArr {
			s.whole = arr
			s.stats.Format = FormatArray
		} else {
			s.whole = []Record{v}
			s.stats.Format = FormatObject
		}
		return s, nil
	}

	s.stats.Format = FormatLines
	return s, nil
}

// Records returns the lazy record sequence. Each full pass resets the
// counters reported by Stats.
func (s *Stream) Records() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		s.stats.Records = 0
		s.stats.Lines = 0
		s.stats.Malformed = 0

		switch s.stats.Format {
		case FormatEmpty:
			return
		case FormatArray, FormatObject:
			for _, rec := range s.whole {
				s.stats.Records++
				if !yield(rec) {
					return
				}
			}
			return
		}

		for line := range lines(s.text) {
			s.stats.Lines++
			v, ok := parseOne(line)
			if !ok {
				s.stats.Malformed++
				continue
			}
			if arr, isArr := v.([]any); isArr {
				for _, rec := range arr {
					s.stats.Records++
					if !yield(rec) {
						return
					}
				}
				continue
			}
			s.stats.Records++
			if !yield(v) {
				return
			}
		}
	}
}

// Stats returns the counters of the most recent pass over Records.
func (s *Stream) Stats() Stats { return s.stats }

// parseOne parses b as exactly one JSON value. Trailing non-whitespace
// content makes the parse fail.
func parseOne(b []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return v, true
}

// lines yields the trimmed, non-empty lines of text without copying.
func lines(text []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for len(text) > 0 {
			var line []byte
			if i := bytes.IndexByte(text, '\n'); i >= 0 {
				line, text = text[:i], text[i+1:]
			} else {
				line, text = text, nil
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			if !yield(line) {
				return
			}
		}
	}
}
