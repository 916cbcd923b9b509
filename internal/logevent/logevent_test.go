package logevent

import (
	"testing"
	"time"
)

func TestSortByTimeIsStable(t *testing.T) {
	b := &Batch{Events: []Event{
		{TimestampMS: 30, Message: "c"},
		{TimestampMS: 10, Message: "a1"},
		{TimestampMS: 20, Message: "b"},
		{TimestampMS: 10, Message: "a2"},
	}}
	b.SortByTime()

	want := []string{"a1", "a2", "b", "c"}
	if b.Len() != len(want) {
		t.Fatalf("Len: got %d", b.Len())
	}
	for i, e := range b.Events {
		if e.Message != want[i] {
			t.Errorf("event %d: got %q, want %q", i, e.Message, want[i])
		}
	}
}

func TestEventTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Event{TimestampMS: ts.UnixMilli()}
	if !e.Time().Equal(ts) || e.Time().Location() != time.UTC {
		t.Errorf("Time: got %v", e.Time())
	}
}
