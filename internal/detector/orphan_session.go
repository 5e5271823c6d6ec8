package detector

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cpguard/internal/model"
)

const AnomalyOrphanSession = "ORPHAN_SESSION"

type orphanState struct {
	sessionActive bool
	unplugTS      time.Time
	alarmed       bool
}

// OrphanSession watches for an unplugged connector with no StopTransaction.
// One alarm per unplug episode; the episode closes on replug or stop. It
// also flags a StopTransaction that has no matching live session.
type OrphanSession struct {
	timeout time.Duration
	cps     *lru.Cache[string, *orphanState]
}

func NewOrphanSession(timeout time.Duration, fleetSize int) *OrphanSession {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OrphanSession{timeout: timeout, cps: newCPCache[*orphanState](fleetSize)}
}

func (d *OrphanSession) Name() string { return "orphan_session" }

func (d *OrphanSession) Process(ev model.Event) (model.Alarm, bool) {
	if ev.CPID == "" {
		return model.Alarm{}, false
	}
	ts := eventTime(ev)
	st, ok := d.cps.Get(ev.CPID)
	if !ok {
		st = &orphanState{}
		d.cps.Add(ev.CPID, st)
	}

	switch ev.MessageType {
	case model.MsgStartTransaction:
		st.sessionActive = true
	case model.MsgStopTransaction:
		active := st.sessionActive
		st.sessionActive = false
		st.unplugTS = time.Time{}
		st.alarmed = false
		if !active || ev.IDTag == "" {
			return alarm(ev, AnomalyOrphanSession, model.SeverityMedium, map[string]any{
				"reason": "StopTransaction without matching StartTransaction or idTag",
				"id_tag": ev.IDTag,
			}), true
		}
		return model.Alarm{}, false
	}

	if ev.PlugState != nil {
		if *ev.PlugState {
			st.unplugTS = time.Time{}
			st.alarmed = false
		} else if st.unplugTS.IsZero() {
			st.unplugTS = ts
			st.alarmed = false
		}
	}

	if !st.unplugTS.IsZero() && !st.alarmed && ts.Sub(st.unplugTS) > d.timeout {
		st.alarmed = true
		return alarm(ev, AnomalyOrphanSession, model.SeverityHigh, map[string]any{
			"reason":            "Unplugged without StopTransaction beyond timeout",
			"unplugged_at":      st.unplugTS,
			"unplugged_seconds": ts.Sub(st.unplugTS).Seconds(),
		}), true
	}
	return model.Alarm{}, false
}
