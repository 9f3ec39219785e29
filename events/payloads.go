package events

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// This file declares the minimal required payload shape for each entry in
// the event catalog (spec §6). Every struct carries an Extra map so fields a
// future version adds are preserved opaquely instead of being dropped by
// strict decoding (design notes, "dynamic payload shapes").

type (
	// AgentInvokedPayload is the payload for AgentInvoked.
	AgentInvokedPayload struct {
		AgentName     string         `json:"agent_name"`
		TaskType      string         `json:"task_type,omitempty"`
		ContextTokens int            `json:"context_tokens,omitempty"`
		Files         []string       `json:"files,omitempty"`
		InvokedBy     string         `json:"invoked_by,omitempty"`
		Reason        string         `json:"reason,omitempty"`
		Extra         map[string]any `json:"extra,omitempty"`
	}

	// AgentCompletedPayload is the payload for AgentCompleted.
	AgentCompletedPayload struct {
		AgentName  string         `json:"agent_name"`
		DurationMs int64          `json:"duration_ms"`
		Tokens     *int           `json:"tokens,omitempty"`
		Cost       *float64       `json:"cost,omitempty"`
		Model      string         `json:"model,omitempty"`
		Extra      map[string]any `json:"extra,omitempty"`
	}

	// AgentFailedPayload is the payload for AgentFailed.
	AgentFailedPayload struct {
		AgentName    string         `json:"agent_name"`
		ErrorKind    string         `json:"error_kind"`
		ErrorMessage string         `json:"error_message"`
		DurationMs   int64          `json:"duration_ms"`
		Cause        string         `json:"cause,omitempty"`
		Extra        map[string]any `json:"extra,omitempty"`
	}

	// ToolInvokedPayload is the payload for ToolInvoked.
	ToolInvokedPayload struct {
		ToolName string         `json:"tool_name"`
		AgentName string        `json:"agent_name,omitempty"`
		Extra    map[string]any `json:"extra,omitempty"`
	}

	// ToolCompletedPayload is the payload for ToolCompleted.
	ToolCompletedPayload struct {
		ToolName   string         `json:"tool_name"`
		DurationMs int64          `json:"duration_ms"`
		Extra      map[string]any `json:"extra,omitempty"`
	}

	// ToolFailedPayload is the payload for ToolFailed.
	ToolFailedPayload struct {
		ToolName     string         `json:"tool_name"`
		ErrorMessage string         `json:"error_message"`
		Extra        map[string]any `json:"extra,omitempty"`
	}

	// WorkflowPayload is the payload for WorkflowStarted, WorkflowCompleted,
	// and WorkflowFailed.
	WorkflowPayload struct {
		WorkflowID string         `json:"workflow_id"`
		TaskCount  int            `json:"task_count"`
		Result     string         `json:"result,omitempty"`
		Error      string         `json:"error,omitempty"`
		Extra      map[string]any `json:"extra,omitempty"`
	}

	// PhasePayload is the payload for PhaseStarted and PhaseCompleted.
	PhasePayload struct {
		WorkflowID string         `json:"workflow_id"`
		Phase      string         `json:"phase"`
		Extra      map[string]any `json:"extra,omitempty"`
	}

	// ModelSelectedPayload is the payload for ModelSelected.
	ModelSelectedPayload struct {
		Model           string         `json:"model"`
		Tier            string         `json:"tier"`
		ComplexityScore int            `json:"complexity_score"`
		RoutingReason   string         `json:"routing_reason"`
		FreeTier        bool           `json:"free_tier"`
		Extra           map[string]any `json:"extra,omitempty"`
	}

	// ModelTierUpgradedPayload is the payload for ModelTierUpgraded.
	ModelTierUpgradedPayload struct {
		TaskType  string         `json:"task_type"`
		FromTier  string         `json:"from_tier"`
		ToTier    string         `json:"to_tier"`
		Reason    string         `json:"reason"`
		Extra     map[string]any `json:"extra,omitempty"`
	}

	// ModelDegradedPayload is the payload for ModelDegraded, emitted when a
	// budget-exceeded session forces a lower tier than complexity demands.
	ModelDegradedPayload struct {
		SessionID     string         `json:"session_id"`
		TaskType      string         `json:"task_type"`
		RequestedTier string         `json:"requested_tier"`
		AppliedTier   string         `json:"applied_tier"`
		Extra         map[string]any `json:"extra,omitempty"`
	}

	// CostPayload is the payload for CostRecorded, CostBudgetWarning, and
	// CostBudgetExceeded.
	CostPayload struct {
		SessionID  string         `json:"session_id"`
		Amount     float64        `json:"amount"`
		Currency   string         `json:"currency"`
		Cumulative float64        `json:"cumulative"`
		Budget     float64        `json:"budget"`
		Extra      map[string]any `json:"extra,omitempty"`
	}

	// SnapshotPayload is the payload for SnapshotCreated and SnapshotRestored.
	SnapshotPayload struct {
		SnapshotID string         `json:"snapshot_id"`
		Extra      map[string]any `json:"extra,omitempty"`
	}

	// SessionPayload is the payload for SessionStarted, SessionEnded, and
	// SessionTokenWarning.
	SessionPayload struct {
		SessionID string         `json:"session_id"`
		Extra     map[string]any `json:"extra,omitempty"`
	}

	// ErrorPayload is the payload for ErrorRaised and ErrorRecovered.
	ErrorPayload struct {
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Extra   map[string]any `json:"extra,omitempty"`
	}
)

// MarshalEnvelope renders an Event as the wire envelope documented in spec
// §6 ("one JSON message per frame"): {"event_type","timestamp","trace_id",
// "session_id","payload","v"}.
func MarshalEnvelope(e Event) ([]byte, error) {
	return json.Marshal(struct {
		EventType EventType `json:"event_type"`
		Timestamp string    `json:"timestamp"`
		TraceID   string    `json:"trace_id"`
		SessionID string    `json:"session_id"`
		Payload   any       `json:"payload"`
		V         int       `json:"v"`
	}{
		EventType: e.eventType,
		Timestamp: e.timestamp.Format(jsonTimeLayout),
		TraceID:   e.traceID,
		SessionID: e.sessionID,
		Payload:   e.payload,
		V:         CatalogVersion,
	})
}

const jsonTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// payloadFor returns a pointer to the zero value of the payload type
// declared for et, ready for json.Unmarshal. Event types that share a
// payload shape (e.g. the three WorkflowStarted/Completed/Failed types)
// share a branch here too.
func payloadFor(et EventType) any {
	switch et {
	case AgentInvoked:
		return &AgentInvokedPayload{}
	case AgentCompleted:
		return &AgentCompletedPayload{}
	case AgentFailed:
		return &AgentFailedPayload{}
	case ToolInvoked:
		return &ToolInvokedPayload{}
	case ToolCompleted:
		return &ToolCompletedPayload{}
	case ToolFailed:
		return &ToolFailedPayload{}
	case WorkflowStarted, WorkflowCompleted, WorkflowFailed:
		return &WorkflowPayload{}
	case PhaseStarted, PhaseCompleted:
		return &PhasePayload{}
	case ModelSelected:
		return &ModelSelectedPayload{}
	case ModelTierUpgraded:
		return &ModelTierUpgradedPayload{}
	case ModelDegraded:
		return &ModelDegradedPayload{}
	case CostRecorded, CostBudgetWarning, CostBudgetExceeded:
		return &CostPayload{}
	case SnapshotCreated, SnapshotRestored:
		return &SnapshotPayload{}
	case SessionStarted, SessionEnded, SessionTokenWarning:
		return &SessionPayload{}
	case ErrorRaised, ErrorRecovered:
		return &ErrorPayload{}
	default:
		return &map[string]any{}
	}
}

// DecodeEnvelope is MarshalEnvelope's inverse: it reconstructs an Event from
// the wire envelope, decoding payload into the concrete struct declared for
// the envelope's event_type rather than a generic map so downstream
// type-switches (streaming/filter.go's client-side filters, in particular)
// work the same whether the Event originated locally or arrived over a
// transport such as the Redis cluster bridge.
func DecodeEnvelope(data []byte) (Event, error) {
	var raw struct {
		EventType EventType       `json:"event_type"`
		Timestamp string          `json:"timestamp"`
		TraceID   string          `json:"trace_id"`
		SessionID string          `json:"session_id"`
		Payload   json.RawMessage `json:"payload"`
		V         int             `json:"v"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("events: decode envelope: %w", err)
	}
	if !raw.EventType.IsValid() {
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, raw.EventType)
	}
	ts, err := time.Parse(jsonTimeLayout, raw.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("events: decode envelope timestamp: %w", err)
	}

	payloadPtr := payloadFor(raw.EventType)
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, payloadPtr); err != nil {
			return Event{}, fmt.Errorf("events: decode envelope payload: %w", err)
		}
	}
	payload := reflect.ValueOf(payloadPtr).Elem().Interface()

	return NewAt(raw.EventType, raw.SessionID, raw.TraceID, ts, payload)
}
