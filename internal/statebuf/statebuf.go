// Package statebuf keeps a short-lived, per-charge-point sliding window of
// recent activity. It is a derived signal for ML feature extraction, never
// ground truth: it is rebuilt continuously and lost on restart.
package statebuf

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cpguard/internal/model"
)

type meterPoint struct {
	ts  time.Time
	val float64
}

type cpBuffer struct {
	lastEventTS   time.Time
	eventTS       []time.Time
	eventHead     int
	sessionActive bool
	plugged       bool
	meterHist     []meterPoint
	meterHead     int
}

type Buffer struct {
	mu     sync.Mutex
	window time.Duration
	cps    *lru.Cache[string, *cpBuffer]
}

func New(window time.Duration, fleetSize int) *Buffer {
	if window <= 0 {
		window = 10 * time.Second
	}
	if fleetSize <= 0 {
		fleetSize = 1024
	}
	cache, _ := lru.New[string, *cpBuffer](fleetSize)
	return &Buffer{window: window, cps: cache}
}

// Update folds one event into the per-CP window. It never fails; malformed
// or missing fields leave the corresponding state untouched.
func (b *Buffer) Update(ev model.Event) {
	if ev.CPID == "" {
		return
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.cps.Get(ev.CPID)
	if !ok {
		buf = &cpBuffer{}
		b.cps.Add(ev.CPID, buf)
	}

	if ts.After(buf.lastEventTS) {
		buf.lastEventTS = ts
	}

	buf.eventTS = append(buf.eventTS, ts)
	cutoff := ts.Add(-b.window)
	for buf.eventHead < len(buf.eventTS) && buf.eventTS[buf.eventHead].Before(cutoff) {
		buf.eventHead++
	}
	if buf.eventHead > 0 && buf.eventHead*2 >= len(buf.eventTS) {
		buf.eventTS = append([]time.Time{}, buf.eventTS[buf.eventHead:]...)
		buf.eventHead = 0
	}

	switch ev.MessageType {
	case model.MsgStartTransaction:
		buf.sessionActive = true
	case model.MsgStopTransaction:
		buf.sessionActive = false
	}
	if ev.SessionActive != nil {
		buf.sessionActive = *ev.SessionActive
	}

	if ev.MeterValue != nil {
		buf.meterHist = append(buf.meterHist, meterPoint{ts: ts, val: *ev.MeterValue})
		for buf.meterHead < len(buf.meterHist) && buf.meterHist[buf.meterHead].ts.Before(cutoff) {
			buf.meterHead++
		}
		if buf.meterHead > 0 && buf.meterHead*2 >= len(buf.meterHist) {
			buf.meterHist = append([]meterPoint{}, buf.meterHist[buf.meterHead:]...)
			buf.meterHead = 0
		}
	}

	if ev.PlugState != nil {
		buf.plugged = *ev.PlugState
	} else if plugged, ok := pluggedFromStatus(ev.PayloadString("status")); ok {
		buf.plugged = plugged
	}
}

func pluggedFromStatus(status string) (bool, bool) {
	switch status {
	case "Occupied", "Charging", "Preparing", "SuspendedEV", "SuspendedEVSE", "Finishing":
		return true, true
	case "Available":
		return false, true
	}
	return false, false
}

// Snapshot computes the window aggregate for one charge point relative to
// wall-clock now, so staleness shows up even when no events arrive. Unknown
// charge points yield the zero snapshot.
func (b *Buffer) Snapshot(cpID string) model.StateSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.cps.Get(cpID)
	if !ok {
		return model.StateSnapshot{}
	}

	now := time.Now().UTC()
	count := 0
	for i := buf.eventHead; i < len(buf.eventTS); i++ {
		if now.Sub(buf.eventTS[i]) <= b.window {
			count++
		}
	}

	timeSince := 0.0
	if !buf.lastEventTS.IsZero() {
		if d := now.Sub(buf.lastEventTS).Seconds(); d > 0 {
			timeSince = d
		}
	}

	// Latest minus oldest window value; a negative delta is meaningful
	// to callers (meter rollback).
	delta := 0.0
	if len(buf.meterHist)-buf.meterHead > 0 {
		first := buf.meterHist[buf.meterHead].val
		last := buf.meterHist[len(buf.meterHist)-1].val
		delta = last - first
	}

	return model.StateSnapshot{
		EventsLastWindow:   count,
		TimeSinceLastEvent: timeSince,
		SessionActive:      buf.sessionActive,
		MeterDeltaWindow:   delta,
		Plugged:            buf.plugged,
	}
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cps.Purge()
}
