// Package detector holds the stateful rule evaluators. Each detector is a
// pure function of (event, its own bounded per-CP state); detectors never
// read each other's state and never fail on partial input.
package detector

import (
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cpguard/internal/config"
	"cpguard/internal/model"
)

type Detector interface {
	Name() string
	Process(ev model.Event) (model.Alarm, bool)
}

// All builds the full detector set from configuration.
func All(cfg *config.Config) []Detector {
	d := cfg.Detection
	return []Detector{
		NewAuthBypass(d.AuthMaxAge, d.FleetSize),
		NewOrphanSession(d.OrphanTimeout, d.FleetSize),
		NewReplay(d.ReplayWindow, d.FleetSize),
		NewPhantomCurrent(d.FleetSize),
		NewZeroEnergy(d.ZeroEnergyStreak, d.FleetSize),
		NewTimeDesync(d.MaxClockSkew),
		NewThermal(d.ThermalMaxGradient, d.FleetSize),
		NewEnergyMismatch(d, d.FleetSize),
		NewSessionHijack(d.FleetSize),
	}
}

func newCPCache[T any](size int) *lru.Cache[string, T] {
	if size <= 0 {
		size = 1024
	}
	cache, _ := lru.New[string, T](size)
	return cache
}

func eventTime(ev model.Event) time.Time {
	if ev.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return ev.Timestamp
}

// txIDOf reads the transaction id from the normalized field or, failing
// that, from the payload the gateway passed through.
func txIDOf(ev model.Event) (string, bool) {
	if ev.TransactionID != nil {
		return strconv.FormatInt(*ev.TransactionID, 10), true
	}
	if ev.Payload != nil {
		switch v := ev.Payload["transaction_id"].(type) {
		case float64:
			return strconv.FormatInt(int64(v), 10), true
		case string:
			if v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func meterOf(ev model.Event) (float64, bool) {
	if ev.MeterValue != nil {
		return *ev.MeterValue, true
	}
	if v, ok := ev.PayloadFloat("meter_kwh"); ok {
		return v, true
	}
	return 0, false
}

func statusOf(ev model.Event) string {
	return ev.PayloadString("status")
}

func alarm(ev model.Event, anomalyType string, severity model.Severity, details map[string]any) model.Alarm {
	return model.Alarm{
		AnomalyType: anomalyType,
		CPID:        ev.CPID,
		Severity:    severity,
		Details:     details,
		Timestamp:   eventTime(ev),
	}
}
