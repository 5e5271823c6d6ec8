package detector

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"cpguard/internal/model"
)

const AnomalyZeroEnergyFlood = "ZERO_ENERGY_FLOOD"

type zeroEnergyState struct {
	streak     int
	lastStatus string
}

// ZeroEnergy counts consecutive zero meter readings while the charge point
// reports Charging. The alarm fires once when the streak reaches the
// threshold and the counter resets, so one flood episode is one alarm.
type ZeroEnergy struct {
	threshold int
	cps       *lru.Cache[string, *zeroEnergyState]
}

func NewZeroEnergy(threshold int, fleetSize int) *ZeroEnergy {
	if threshold <= 0 {
		threshold = 5
	}
	return &ZeroEnergy{threshold: threshold, cps: newCPCache[*zeroEnergyState](fleetSize)}
}

func (d *ZeroEnergy) Name() string { return "zero_energy" }

func (d *ZeroEnergy) Process(ev model.Event) (model.Alarm, bool) {
	if ev.CPID == "" {
		return model.Alarm{}, false
	}
	st, ok := d.cps.Get(ev.CPID)
	if !ok {
		st = &zeroEnergyState{}
		d.cps.Add(ev.CPID, st)
	}

	if s := statusOf(ev); s != "" {
		st.lastStatus = s
	}
	if ev.MessageType != model.MsgMeterValues {
		return model.Alarm{}, false
	}

	mv, hasMV := meterOf(ev)
	if st.lastStatus == "Charging" && (!hasMV || mv == 0) {
		st.streak++
	} else {
		st.streak = 0
	}

	if st.streak >= d.threshold {
		n := st.streak
		st.streak = 0
		return alarm(ev, AnomalyZeroEnergyFlood, model.SeverityHigh, map[string]any{
			"reason": "Charging status with consecutive zero meter values",
			"streak": n,
			"status": st.lastStatus,
		}), true
	}
	return model.Alarm{}, false
}
