// Package logevent defines the canonical event and batch types that flow
// from the normalizer to the delivery client.
package logevent

import (
	"cmp"
	"slices"
	"time"
)

// Event is one normalized log line ready for delivery.
// TimestampMS is always populated.
type Event struct {
	TimestampMS int64
	Message     string
}

// Time returns the event timestamp as a time.Time in UTC.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.TimestampMS).UTC()
}

// Identity names the workload an object belongs to. It is derived from
// the object key path.
type Identity struct {
	TenantID    string
	ClusterID   string
	Application string
	Pod         string
}

// Batch is the set of events produced from one object, owned by a single
// delivery attempt. A Batch is never shared across tenants.
type Batch struct {
	Identity
	Events []Event
}

// Len returns the number of events in the batch.
func (b *Batch) Len() int { return len(b.Events) }

// SortByTime orders events by timestamp, keeping the original order for
// equal timestamps.
func (b *Batch) SortByTime() {
	slices.SortStableFunc(b.Events, func(x, y Event) int {
		return cmp.Compare(x.TimestampMS, y.TimestampMS)
	})
}
