package orchestrator

import (
	"time"

	"logfanout/internal/logevent"
	"logfanout/internal/notification"
)

// Status is the outcome of an item or object.
type Status string

const (
	// StatusDelivered means every referenced object was delivered or
	// deliberately skipped, and at least one was delivered.
	StatusDelivered Status = "delivered"
	// StatusSkipped means nothing was delivered and retrying cannot help.
	// Skipped items count as successes towards the queue.
	StatusSkipped Status = "skipped"
	// StatusFailed means the item should be redelivered.
	StatusFailed Status = "failed"
)

// Skip and failure reasons.
const (
	ReasonMalformedNotification = "malformed_notification"
	ReasonNoObjects             = "no_objects"
	ReasonUnresolved            = "unresolved_key"
	ReasonTenantDisabled        = "tenant_disabled"
	ReasonApplicationFiltered   = "application_filtered"
	ReasonTooLarge              = "object_too_large"
	ReasonMalformedObject       = "malformed_object"
	ReasonEmpty                 = "empty_object"

	ReasonTenantLookup  = "tenant_lookup"
	ReasonTenantInvalid = "tenant_invalid"
	ReasonFetch         = "fetch"
	ReasonDelivery      = "delivery"
)

// ObjectResult is the outcome for one referenced object.
type ObjectResult struct {
	Ref      notification.ObjectReference
	Identity logevent.Identity
	Status   Status
	Reason   string
	Err      error
	Events   int
	Calls    int
}

// Outcome is the result for one notification item.
type Outcome struct {
	ItemID   string
	Status   Status
	Reason   string
	Err      error
	Events   int
	Objects  []ObjectResult
	Duration time.Duration
}

// Failed reports whether the item should be redelivered.
func (o Outcome) Failed() bool { return o.Status == StatusFailed }

// Report holds one Outcome per input item, in input order.
type Report struct {
	Outcomes []Outcome
}

// Failures returns the failed outcomes in input order.
func (r Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// Counts tallies outcomes by status.
func (r Report) Counts() map[Status]int {
	c := make(map[Status]int, 3)
	for _, o := range r.Outcomes {
		c[o.Status]++
	}
	return c
}

// ByID returns the outcomes keyed by item ID.
func (r Report) ByID() map[string]Outcome {
	m := make(map[string]Outcome, len(r.Outcomes))
	for _, o := range r.Outcomes {
		m[o.ItemID] = o
	}
	return m
}
