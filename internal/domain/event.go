package domain

import "time"

// EventKind classifies entries in the append-only execution-event log.
type EventKind string

const (
	EventAdmissionAllowed   EventKind = "admission_allowed"
	EventAdmissionRejected  EventKind = "admission_rejected"
	EventSubmitAttempt      EventKind = "submit_attempt"
	EventSubmitted          EventKind = "submitted"
	EventSubmitTransient    EventKind = "submit_transient_failure"
	EventSubmitRejected     EventKind = "submit_rejected"
	EventSubmitReconciled   EventKind = "submit_timeout_reconciled"
	EventSubmitUnknown      EventKind = "submit_outcome_unknown"
	EventSubmitAbsent       EventKind = "submit_confirmed_absent"
	EventRetriesExhausted   EventKind = "retries_exhausted"
	EventFillUpdate         EventKind = "fill_update"
	EventSettled            EventKind = "settled"
	EventInvariantViolation EventKind = "invariant_violation"
	EventBreakerTripped     EventKind = "breaker_tripped"
	EventBreakerResumed     EventKind = "breaker_resumed"
	EventResolution         EventKind = "resolution"
	EventRedemptionAttempt  EventKind = "redemption_attempt"
	EventRedemptionOK       EventKind = "redemption_confirmed"
	EventRedemptionFailed   EventKind = "redemption_failed"
)

// ExecutionEvent is one row of the append-only audit trail. Every submission
// attempt, fill update, and settlement is recorded here independently of the
// order row's current state; the log is only ever appended to.
type ExecutionEvent struct {
	ID         int64
	StrategyID string
	OrderID    string // may be empty for strategy-level events
	Kind       EventKind
	Attempt    int
	Detail     map[string]any
	CreatedAt  time.Time
}
