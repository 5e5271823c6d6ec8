package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cpguard/internal/config"
	"cpguard/internal/model"
)

// Parser enforces the single normalized event schema at an input boundary.
// Historical gateways disagree on field naming (transactionId vs
// transaction_id, idTag vs id_tag) and on meter units; everything is
// resolved here so detectors never branch on variants.
type Parser struct {
	meterWh     bool
	defaultCPID string
}

func NewParser(cfg config.ParserConfig) *Parser {
	return &Parser{
		meterWh:     strings.EqualFold(cfg.MeterUnit, "wh"),
		defaultCPID: cfg.DefaultCPID,
	}
}

func (p *Parser) ParseBytes(data []byte) (model.Event, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return model.Event{}, err
	}
	return p.ParseMap(obj)
}

func (p *Parser) ParseMap(obj map[string]any) (model.Event, error) {
	if len(obj) == 0 {
		return model.Event{}, errors.New("empty event object")
	}
	lower := make(map[string]any, len(obj))
	for k, v := range obj {
		lower[strings.ToLower(k)] = v
	}

	ev := model.Event{}

	msg := firstString(lower, "message_type", "messagetype", "action", "msg_type")
	if msg == "" {
		return model.Event{}, errors.New("event has no message_type")
	}
	ev.MessageType = model.MessageType(msg)

	ev.CPID = firstString(lower, "cp_id", "cpid", "charge_point_id", "chargepointid", "charge_point", "chargeboxid")
	if ev.CPID == "" {
		ev.CPID = p.defaultCPID
	}

	ts, err := parseTimestamp(first(lower, "timestamp", "time", "ts"))
	if err != nil {
		return model.Event{}, fmt.Errorf("parse timestamp: %w", err)
	}
	ev.Timestamp = ts

	if tx, ok := parseInt64(first(lower, "transaction_id", "transactionid", "tx_id", "txid")); ok {
		ev.TransactionID = &tx
	}
	ev.IDTag = firstString(lower, "id_tag", "idtag", "tag", "badge")

	if key, raw := firstKey(lower, "meter_value", "metervalue", "meter_kwh", "meter_wh"); raw != nil {
		if mv, ok := parseFloat(raw); ok {
			if key == "meter_wh" || (p.meterWh && key != "meter_kwh") {
				mv /= 1000
			}
			ev.MeterValue = &mv
		}
	}
	if plug, ok := parseBool(first(lower, "plug_state", "plugstate", "plugged")); ok {
		ev.PlugState = &plug
	}
	if sess, ok := parseBool(first(lower, "session_active", "sessionactive")); ok {
		ev.SessionActive = &sess
	}

	if payload, ok := lower["payload"].(map[string]any); ok {
		ev.Payload = payload
	}
	// Unrecognized top-level keys ride along in the payload so narrow
	// detector reads (status, temperature, overrides) still see them.
	for k, v := range lower {
		if knownKey(k) {
			continue
		}
		if ev.Payload == nil {
			ev.Payload = make(map[string]any)
		}
		if _, exists := ev.Payload[k]; !exists {
			ev.Payload[k] = v
		}
	}
	return ev, nil
}

var knownKeys = map[string]struct{}{
	"message_type": {}, "messagetype": {}, "action": {}, "msg_type": {},
	"cp_id": {}, "cpid": {}, "charge_point_id": {}, "chargepointid": {}, "charge_point": {}, "chargeboxid": {},
	"timestamp": {}, "time": {}, "ts": {},
	"transaction_id": {}, "transactionid": {}, "tx_id": {}, "txid": {},
	"id_tag": {}, "idtag": {}, "tag": {}, "badge": {},
	"meter_value": {}, "metervalue": {}, "meter_kwh": {}, "meter_wh": {},
	"plug_state": {}, "plugstate": {}, "plugged": {},
	"session_active": {}, "sessionactive": {},
	"payload": {}, "source": {},
}

func knownKey(k string) bool {
	_, ok := knownKeys[k]
	return ok
}

func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstKey(m map[string]any, keys ...string) (string, any) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return k, v
		}
	}
	return "", nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Now().UTC(), nil
	case float64:
		return unixFloat(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Now().UTC(), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixFloat(f)
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", s)
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type: %T", v)
}

// maxUnixSeconds is 2200-01-01T00:00:00Z. Epochs past it would overflow
// the int64 nanosecond conversion and wrap to an arbitrary time.
const maxUnixSeconds = 7258118400

func unixFloat(sec float64) (time.Time, error) {
	if sec < 0 || sec > maxUnixSeconds {
		return time.Time{}, fmt.Errorf("unix timestamp out of range: %g", sec)
	}
	return time.Unix(0, int64(sec*float64(time.Second))).UTC(), nil
}

func parseInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func parseFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func parseBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b, true
		}
	}
	return false, false
}
