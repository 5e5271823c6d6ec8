// Package ml scores alarm context with a pretrained isolation forest. The
// score is advisory: every failure path degrades to null ml fields and the
// rule-based alarm proceeds unchanged.
package ml

import "cpguard/internal/model"

// FeatureOrder is the single shared contract between the offline trainer
// and this enricher. A model artifact whose embedded order differs is
// rejected at load time; nothing else in the codebase may define its own
// ordering.
var FeatureOrder = []string{
	"msg_type_hash",
	"has_meter",
	"meter_value",
	"session_active",
	"plugged",
	"events_last_window",
	"time_since_last_event",
	"has_transaction_id",
	"meter_delta_window",
}

// Vector builds the feature vector for one event in FeatureOrder.
func Vector(ev model.Event, snap model.StateSnapshot) []float64 {
	meter := 0.0
	hasMeter := 0.0
	if ev.MeterValue != nil {
		meter = *ev.MeterValue
		hasMeter = 1.0
	}
	hasTx := 0.0
	if ev.TransactionID != nil {
		hasTx = 1.0
	}
	return []float64{
		msgTypeHash(string(ev.MessageType)),
		hasMeter,
		meter,
		boolToFloat(snap.SessionActive),
		boolToFloat(snap.Plugged),
		float64(snap.EventsLastWindow),
		snap.TimeSinceLastEvent,
		hasTx,
		snap.MeterDeltaWindow,
	}
}

// msgTypeHash maps a message type onto [0,999] with a deterministic
// polynomial rolling hash. The trainer computes the same function; do not
// change one side without the other.
func msgTypeHash(s string) float64 {
	if s == "" {
		return 0
	}
	h := 0
	for _, ch := range s {
		h = (h*31 + int(ch)) % 1000
	}
	return float64(h)
}

func boolToFloat(v bool) float64 {
	if v {
		return 1.0
	}
	return 0.0
}
