package inbox

import (
	"time"

	"github.com/overtonx/inbox/storage"
)

type Status = storage.Status

const (
	StatusReceived     = storage.StatusReceived
	StatusProcessed    = storage.StatusProcessed
	StatusFailed       = storage.StatusFailed
	StatusPendingRetry = storage.StatusPendingRetry
	StatusRejected     = storage.StatusRejected
)

// Decision is the result of admitting an event.
type Decision int

const (
	// DecisionAccepted means the fingerprint was seen for the first time and
	// the event was stored.
	DecisionAccepted Decision = iota + 1
	// DecisionDuplicate means the fingerprint was already stored; the caller
	// should treat the event as handled.
	DecisionDuplicate
)

func (d Decision) String() string {
	switch d {
	case DecisionAccepted:
		return "accepted"
	case DecisionDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Outcome is the result of one processing attempt.
type Outcome struct {
	failed bool
	reason string
}

// Success reports a processing attempt that completed.
func Success() Outcome { return Outcome{} }

// Failure reports a processing attempt that failed with reason.
func Failure(reason string) Outcome {
	return Outcome{failed: true, reason: reason}
}

func (o Outcome) Failed() bool   { return o.failed }
func (o Outcome) Reason() string { return o.reason }

// InboundEvent is an event as received, before it is admitted.
type InboundEvent struct {
	Fingerprint string
	EventType   string
	Payload     []byte
}

// Result describes what happened to an ingested event.
type Result struct {
	Decision Decision
	Status   Status
	Attempts int
	// NextAttemptAt is set when the event is waiting for a retry.
	NextAttemptAt *time.Time
}
