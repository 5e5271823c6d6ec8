package model

import "time"

type MessageType string

const (
	MsgBootNotification   MessageType = "BootNotification"
	MsgAuthorize          MessageType = "Authorize"
	MsgStartTransaction   MessageType = "StartTransaction"
	MsgStopTransaction    MessageType = "StopTransaction"
	MsgMeterValues        MessageType = "MeterValues"
	MsgStatusNotification MessageType = "StatusNotification"
	MsgHeartbeat          MessageType = "Heartbeat"
)

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Event is one normalized charging-session protocol occurrence. Optional
// fields are pointers so consumers can tell "absent" from a zero value;
// detectors treat absent data as "not anomalous".
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	CPID          string         `json:"cp_id"`
	MessageType   MessageType    `json:"message_type"`
	TransactionID *int64         `json:"transaction_id,omitempty"`
	IDTag         string         `json:"id_tag,omitempty"`
	MeterValue    *float64       `json:"meter_value,omitempty"`
	PlugState     *bool          `json:"plug_state,omitempty"`
	SessionActive *bool          `json:"session_active,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Source        string         `json:"source,omitempty"`
}

func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

func (e Event) PayloadFloat(key string) (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (e Event) PayloadBool(key string) (bool, bool) {
	if e.Payload == nil {
		return false, false
	}
	if v, ok := e.Payload[key].(bool); ok {
		return v, true
	}
	return false, false
}

// MLInfo is always present on an emitted alarm; Score and Confidence are
// either both set or both nil.
type MLInfo struct {
	Score      *float64 `json:"score"`
	Confidence *float64 `json:"confidence"`
	Model      string   `json:"model,omitempty"`
}

type MitigationStatus string

const (
	MitigationExecuted MitigationStatus = "EXECUTED"
	MitigationLogged   MitigationStatus = "LOGGED"
)

type Mitigation struct {
	Action    string           `json:"action"`
	Status    MitigationStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

// Alarm is rebuilt, not mutated, as it moves downstream: enrichment and
// policy each return a copy with their field populated.
type Alarm struct {
	ID          string         `json:"id"`
	AnomalyType string         `json:"anomaly_type"`
	CPID        string         `json:"cp_id"`
	Severity    Severity       `json:"severity"`
	Details     map[string]any `json:"details"`
	Timestamp   time.Time      `json:"timestamp"`
	ML          MLInfo         `json:"ml"`
	Mitigation  Mitigation     `json:"mitigation"`
}

// StateSnapshot is the derived per-CP window aggregate consumed by ML
// feature extraction. The zero value stands for an unknown charge point.
type StateSnapshot struct {
	EventsLastWindow   int     `json:"events_last_window"`
	TimeSinceLastEvent float64 `json:"time_since_last_event"`
	SessionActive      bool    `json:"session_active"`
	MeterDeltaWindow   float64 `json:"meter_delta_window"`
	Plugged            bool    `json:"plugged"`
}
