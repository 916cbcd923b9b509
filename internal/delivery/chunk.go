package delivery

import (
	"time"

	"logfanout/internal/logevent"
)

// Destination hard limits for one write call.
const (
	MaxItemsPerCall = 10_000
	MaxBytesPerCall = 1_048_576
	// EventOverhead is the per-event size the destination adds to the
	// message length when checking the payload limit.
	EventOverhead = 26
	// MaxCallSpan is the widest time range one call may cover.
	MaxCallSpan = 24 * time.Hour
)

// Limits bounds each sub-batch.
type Limits struct {
	MaxItems int
	MaxBytes int
	MaxSpan  time.Duration
}

// DefaultLimits returns the documented destination limits with a
// conservative item count.
func DefaultLimits() Limits {
	return Limits{MaxItems: 1000, MaxBytes: MaxBytesPerCall, MaxSpan: MaxCallSpan}
}

func (l Limits) normalized() Limits {
	if l.MaxItems <= 0 || l.MaxItems > MaxItemsPerCall {
		l.MaxItems = MaxItemsPerCall
	}
	if l.MaxBytes <= 0 || l.MaxBytes > MaxBytesPerCall {
		l.MaxBytes = MaxBytesPerCall
	}
	if l.MaxSpan <= 0 || l.MaxSpan > MaxCallSpan {
		l.MaxSpan = MaxCallSpan
	}
	return l
}

// EventSize is the payload cost of one event.
func EventSize(e logevent.Event) int { return len(e.Message) + EventOverhead }

// Chunk splits events, which must be sorted by time, into consecutive
// sub-batches that each respect l. Order is preserved and every event
// lands in exactly one sub-batch. An event larger than MaxBytes on its own
// still gets a sub-batch; the destination decides what to do with it.
func Chunk(events []logevent.Event, l Limits) [][]logevent.Event {
	if len(events) == 0 {
		return nil
	}
	l = l.normalized()
	span := l.MaxSpan.Milliseconds()

	var chunks [][]logevent.Event
	start, size := 0, 0
	for i, e := range events {
		n := EventSize(e)
		if i > start {
			full := i-start >= l.MaxItems ||
				size+n > l.MaxBytes ||
				e.TimestampMS-events[start].TimestampMS >= span
			if full {
				chunks = append(chunks, events[start:i:i])
				start, size = i, 0
			}
		}
		size += n
	}
	return append(chunks, events[start:])
}
