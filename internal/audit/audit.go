// Package audit provides the append-only, immutable record of every state
// transition in the decision pipeline, keyed by correlation id so a
// candidate's full journey from selection to fill or rejection can be
// reconstructed.
package audit

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event kinds written by the pipeline components.
const (
	KindRunStarted       = "run_started"
	KindRunCompleted     = "run_completed"
	KindRunOverlap       = "run_overlap"
	KindCandidates       = "candidates_selected"
	KindProposalReceived = "proposal_received"
	KindProposalSkipped  = "proposal_skipped"
	KindCritique         = "critique_recorded"
	KindVerdict          = "verdict"
	KindApproved         = "decision_approved"
	KindRejected         = "decision_rejected"
	KindOrderSubmitted   = "order_submitted"
	KindOrderFilled      = "order_filled"
	KindOrderPartialFill = "order_partial_fill"
	KindOrderCancelled   = "order_cancelled"
	KindOrderRejected    = "order_rejected"
	KindBrokerTimeout    = "broker_timeout"
	KindStopTriggered    = "stop_triggered"
	KindTargetTriggered  = "target_triggered"
	KindEmergencyExit    = "emergency_exit"
	KindDrawdownWarning  = "drawdown_warning"
	KindDrawdownBreach   = "drawdown_breach"
	KindDrawdownCleared  = "drawdown_cleared"
)

// Event is one immutable audit record. IDs are ULIDs, so lexicographic
// order is insertion order.
type Event struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Component     string          `json:"component"`
	Kind          string          `json:"kind"`
	Reason        string          `json:"reason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Recorder accepts audit events. Implementations must never lose an event;
// buffering is acceptable, dropping is not.
type Recorder interface {
	Record(e Event)
}

// New builds an event with a fresh ULID and UTC timestamp. Payload is
// marshalled immediately so later mutation of v cannot alter the record.
func New(correlationID, component, kind, reason string, v any) Event {
	e := Event{
		ID:            ulid.Make().String(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Component:     component,
		Kind:          kind,
		Reason:        reason,
	}
	if v != nil {
		if b, err := json.Marshal(v); err == nil {
			e.Payload = b
		}
	}
	return e
}

// Discard is a Recorder that drops everything. Test helper.
type Discard struct{}

func (Discard) Record(Event) {}
