package ingest

import (
	"testing"
	"time"

	"cpguard/internal/config"
	"cpguard/internal/model"
)

func newTestParser() *Parser {
	return NewParser(config.ParserConfig{MeterUnit: "kwh", DefaultCPID: "unknown"})
}

func TestParseCanonicalEvent(t *testing.T) {
	p := newTestParser()
	ev, err := p.ParseBytes([]byte(`{
		"message_type": "StartTransaction",
		"cp_id": "CP_001",
		"timestamp": "2026-08-30T12:00:00Z",
		"transaction_id": 42,
		"id_tag": "TAG_A",
		"meter_value": 12.5,
		"plug_state": true,
		"session_active": true
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.MessageType != model.MsgStartTransaction || ev.CPID != "CP_001" || ev.IDTag != "TAG_A" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.TransactionID == nil || *ev.TransactionID != 42 {
		t.Fatalf("transaction id not parsed: %v", ev.TransactionID)
	}
	if ev.MeterValue == nil || *ev.MeterValue != 12.5 {
		t.Fatalf("meter not parsed: %v", ev.MeterValue)
	}
	if ev.PlugState == nil || !*ev.PlugState || ev.SessionActive == nil || !*ev.SessionActive {
		t.Fatalf("booleans not parsed: %+v", ev)
	}
	want := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", ev.Timestamp, want)
	}
}

func TestParseFieldNameVariants(t *testing.T) {
	p := newTestParser()
	ev, err := p.ParseBytes([]byte(`{
		"Action": "MeterValues",
		"chargeBoxId": "CP_002",
		"transactionId": "77",
		"idTag": "TAG_B",
		"meterValue": "3.25"
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.MessageType != model.MsgMeterValues || ev.CPID != "CP_002" || ev.IDTag != "TAG_B" {
		t.Fatalf("variants not normalized: %+v", ev)
	}
	if ev.TransactionID == nil || *ev.TransactionID != 77 {
		t.Fatalf("string transaction id not parsed: %v", ev.TransactionID)
	}
	if ev.MeterValue == nil || *ev.MeterValue != 3.25 {
		t.Fatalf("string meter not parsed: %v", ev.MeterValue)
	}
}

func TestParseRejectsMissingMessageType(t *testing.T) {
	p := newTestParser()
	if _, err := p.ParseBytes([]byte(`{"cp_id": "CP_1"}`)); err == nil {
		t.Fatalf("expected missing message_type error")
	}
}

func TestParseRejectsEmptyObject(t *testing.T) {
	p := newTestParser()
	if _, err := p.ParseMap(map[string]any{}); err == nil {
		t.Fatalf("expected empty object error")
	}
}

func TestParseDefaultCPID(t *testing.T) {
	p := newTestParser()
	ev, err := p.ParseBytes([]byte(`{"message_type": "Heartbeat"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.CPID != "unknown" {
		t.Fatalf("default cp_id not applied: %s", ev.CPID)
	}
}

func TestParseUnixTimestamps(t *testing.T) {
	p := newTestParser()
	ev, err := p.ParseBytes([]byte(`{"message_type": "Heartbeat", "cp_id": "CP_1", "timestamp": 1756550400.5}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Unix(1756550400, 500000000).UTC()
	if d := ev.Timestamp.Sub(want); d < -time.Microsecond || d > time.Microsecond {
		t.Fatalf("unix float timestamp = %v, want %v", ev.Timestamp, want)
	}
	ev, err = p.ParseBytes([]byte(`{"message_type": "Heartbeat", "cp_id": "CP_1", "timestamp": "1756550400"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ev.Timestamp.Equal(time.Unix(1756550400, 0).UTC()) {
		t.Fatalf("numeric string timestamp = %v", ev.Timestamp)
	}
}

func TestParseMissingTimestampDefaultsToNow(t *testing.T) {
	p := newTestParser()
	before := time.Now().UTC()
	ev, err := p.ParseBytes([]byte(`{"message_type": "Heartbeat", "cp_id": "CP_1"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Timestamp.Before(before) || ev.Timestamp.After(time.Now().UTC()) {
		t.Fatalf("missing timestamp must default to now, got %v", ev.Timestamp)
	}
}

func TestParseRejectsOutOfRangeEpochs(t *testing.T) {
	p := newTestParser()
	// Epochs past the nanosecond-conversion ceiling would wrap to an
	// arbitrary time; they must be rejected, not silently mangled.
	if _, err := p.ParseBytes([]byte(`{"message_type": "Heartbeat", "timestamp": 1e18}`)); err == nil {
		t.Fatalf("expected out-of-range epoch error")
	}
	if _, err := p.ParseBytes([]byte(`{"message_type": "Heartbeat", "timestamp": -5}`)); err == nil {
		t.Fatalf("expected negative epoch error")
	}
	if _, err := p.ParseBytes([]byte(`{"message_type": "Heartbeat", "timestamp": "99999999999999999999"}`)); err == nil {
		t.Fatalf("expected out-of-range string epoch error")
	}
}

func TestParseRejectsGarbageTimestamp(t *testing.T) {
	p := newTestParser()
	if _, err := p.ParseBytes([]byte(`{"message_type": "Heartbeat", "timestamp": "yesterday"}`)); err == nil {
		t.Fatalf("expected timestamp format error")
	}
}

func TestParseMeterUnitConversion(t *testing.T) {
	wh := NewParser(config.ParserConfig{MeterUnit: "wh", DefaultCPID: "unknown"})
	ev, err := wh.ParseBytes([]byte(`{"message_type": "MeterValues", "cp_id": "CP_1", "meter_value": 12500}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.MeterValue == nil || *ev.MeterValue != 12.5 {
		t.Fatalf("Wh not converted: %v", ev.MeterValue)
	}

	// An explicitly kWh-named key is never converted.
	ev, err = wh.ParseBytes([]byte(`{"message_type": "MeterValues", "cp_id": "CP_1", "meter_kwh": 12.5}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.MeterValue == nil || *ev.MeterValue != 12.5 {
		t.Fatalf("meter_kwh must pass through: %v", ev.MeterValue)
	}

	// An explicitly Wh-named key converts even for a kWh-configured parser.
	kwh := newTestParser()
	ev, err = kwh.ParseBytes([]byte(`{"message_type": "MeterValues", "cp_id": "CP_1", "meter_wh": 9000}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.MeterValue == nil || *ev.MeterValue != 9.0 {
		t.Fatalf("meter_wh not converted: %v", ev.MeterValue)
	}
}

func TestParseUnknownKeysFoldIntoPayload(t *testing.T) {
	p := newTestParser()
	ev, err := p.ParseBytes([]byte(`{
		"message_type": "StatusNotification",
		"cp_id": "CP_1",
		"status": "Charging",
		"temperature": 42.0,
		"payload": {"connector_id": 1}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.PayloadString("status") != "Charging" {
		t.Fatalf("status not folded into payload: %v", ev.Payload)
	}
	if temp, ok := ev.PayloadFloat("temperature"); !ok || temp != 42.0 {
		t.Fatalf("temperature not folded: %v", ev.Payload)
	}
	if _, ok := ev.PayloadFloat("connector_id"); !ok {
		t.Fatalf("explicit payload lost: %v", ev.Payload)
	}
}

func TestParsePayloadKeysNotOverwritten(t *testing.T) {
	p := newTestParser()
	ev, err := p.ParseBytes([]byte(`{
		"message_type": "StatusNotification",
		"cp_id": "CP_1",
		"status": "Faulted",
		"payload": {"status": "Charging"}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.PayloadString("status") != "Charging" {
		t.Fatalf("explicit payload key must win: %v", ev.Payload)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	p := newTestParser()
	if _, err := p.ParseBytes([]byte(`not json`)); err == nil {
		t.Fatalf("expected JSON error")
	}
}
