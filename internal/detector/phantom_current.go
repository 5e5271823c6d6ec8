package detector

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"cpguard/internal/model"
)

const AnomalyPhantomCurrent = "PHANTOM_CURRENT"

type phantomState struct {
	plugged    bool
	plugKnown  bool
	session    bool
	sessKnown  bool
	lastKWh    float64
	hasLastKWh bool
}

// PhantomCurrent flags a meter increase while the connector is known to be
// unplugged, or while the session is known to be inactive. Unknown plug or
// session state is treated as "not anomalous".
type PhantomCurrent struct {
	cps *lru.Cache[string, *phantomState]
}

func NewPhantomCurrent(fleetSize int) *PhantomCurrent {
	return &PhantomCurrent{cps: newCPCache[*phantomState](fleetSize)}
}

func (d *PhantomCurrent) Name() string { return "phantom_current" }

func (d *PhantomCurrent) Process(ev model.Event) (model.Alarm, bool) {
	if ev.CPID == "" {
		return model.Alarm{}, false
	}
	st, ok := d.cps.Get(ev.CPID)
	if !ok {
		st = &phantomState{}
		d.cps.Add(ev.CPID, st)
	}

	if ev.PlugState != nil {
		st.plugged = *ev.PlugState
		st.plugKnown = true
	} else if plugged, known := pluggedFromStatus(statusOf(ev)); known {
		st.plugged = plugged
		st.plugKnown = true
	}
	switch ev.MessageType {
	case model.MsgStartTransaction:
		st.session = true
		st.sessKnown = true
	case model.MsgStopTransaction:
		st.session = false
		st.sessKnown = true
	}
	if ev.SessionActive != nil {
		st.session = *ev.SessionActive
		st.sessKnown = true
	}

	if ev.MessageType != model.MsgMeterValues {
		return model.Alarm{}, false
	}
	kwh, hasKWh := meterOf(ev)
	if !hasKWh {
		return model.Alarm{}, false
	}

	var out model.Alarm
	var fired bool
	if st.hasLastKWh && kwh > st.lastKWh {
		unplugged := st.plugKnown && !st.plugged
		idle := st.sessKnown && !st.session
		if unplugged || idle {
			why := "Energy consumption detected while UNPLUGGED"
			if !unplugged {
				why = "Energy consumption detected without active session"
			}
			out = alarm(ev, AnomalyPhantomCurrent, model.SeverityHigh, map[string]any{
				"reason":       why,
				"current_kwh":  kwh,
				"previous_kwh": st.lastKWh,
			})
			fired = true
		}
	}

	st.lastKWh = kwh
	st.hasLastKWh = true
	return out, fired
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
