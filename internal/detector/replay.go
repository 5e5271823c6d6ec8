package detector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cpguard/internal/model"
)

const AnomalyReplay = "REPLAY"

type replayState struct {
	seen map[string]time.Time
}

// Replay flags an identical payload signature seen again for the same CP
// inside the replay window. Window arithmetic is event time, so replayed
// historical traffic is judged against its own clock.
type Replay struct {
	window time.Duration
	cps    *lru.Cache[string, *replayState]
}

func NewReplay(window time.Duration, fleetSize int) *Replay {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Replay{window: window, cps: newCPCache[*replayState](fleetSize)}
}

func (d *Replay) Name() string { return "replay" }

func (d *Replay) Process(ev model.Event) (model.Alarm, bool) {
	if ev.CPID == "" {
		return model.Alarm{}, false
	}
	ts := eventTime(ev)
	sig := signature(ev)

	st, ok := d.cps.Get(ev.CPID)
	if !ok {
		st = &replayState{seen: make(map[string]time.Time)}
		d.cps.Add(ev.CPID, st)
	}

	last, dup := st.seen[sig]
	st.seen[sig] = ts
	if len(st.seen) > 1000 {
		compact(st.seen, ts, d.window)
	}

	if dup && ts.Sub(last) <= d.window && ts.Sub(last) >= 0 {
		return alarm(ev, AnomalyReplay, model.SeverityHigh, map[string]any{
			"reason":        "Duplicate event signature for same CP within replay window",
			"signature":     sig[:16],
			"first_seen":    last,
			"delta_seconds": ts.Sub(last).Seconds(),
		}), true
	}
	return model.Alarm{}, false
}

// signature hashes the parts of an event an attacker would replay verbatim.
// The arrival timestamp is excluded: a replayed frame arrives later but
// carries the same content.
func signature(ev model.Event) string {
	parts := []string{string(ev.MessageType), ev.IDTag}
	if tx, ok := txIDOf(ev); ok {
		parts = append(parts, tx)
	}
	if mv, ok := meterOf(ev); ok {
		parts = append(parts, strings.TrimSpace(strings.ToLower(formatFloat(mv))))
	}
	if len(ev.Payload) > 0 {
		// encoding/json sorts map keys, so this is canonical.
		if data, err := json.Marshal(ev.Payload); err == nil {
			parts = append(parts, string(data))
		}
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

func formatFloat(v float64) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func compact(seen map[string]time.Time, now time.Time, ttl time.Duration) {
	for k, ts := range seen {
		if now.Sub(ts) > ttl {
			delete(seen, k)
		}
	}
}
