package detector

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cpguard/internal/config"
	"cpguard/internal/model"
)

const AnomalyEnergyMismatch = "ENERGY_MISMATCH"

type energyState struct {
	lastKWh     float64
	lastTS      time.Time
	hasLast     bool
	underStreak int
	session     bool
	lastStatus  string
}

// EnergyMismatch compares the reported per-interval energy increase against
// the consumption physically possible for the charge point's profile.
// Three cases fire: an interval rate above the profile maximum
// (over-reporting), a meter going backwards (rollback), and a sustained
// near-zero rate while visibly charging (under-reporting).
type EnergyMismatch struct {
	cfg config.DetectionConfig
	cps *lru.Cache[string, *energyState]
}

func NewEnergyMismatch(cfg config.DetectionConfig, fleetSize int) *EnergyMismatch {
	return &EnergyMismatch{cfg: cfg, cps: newCPCache[*energyState](fleetSize)}
}

func (d *EnergyMismatch) Name() string { return "energy_mismatch" }

func (d *EnergyMismatch) Process(ev model.Event) (model.Alarm, bool) {
	if ev.CPID == "" {
		return model.Alarm{}, false
	}
	st, ok := d.cps.Get(ev.CPID)
	if !ok {
		st = &energyState{}
		d.cps.Add(ev.CPID, st)
	}

	switch ev.MessageType {
	case model.MsgStartTransaction:
		st.session = true
	case model.MsgStopTransaction:
		st.session = false
		st.underStreak = 0
	}
	if s := statusOf(ev); s != "" {
		st.lastStatus = s
	}
	if ev.MessageType != model.MsgMeterValues {
		return model.Alarm{}, false
	}

	kwh, hasKWh := meterOf(ev)
	if !hasKWh {
		return model.Alarm{}, false
	}
	ts := eventTime(ev)

	var out model.Alarm
	var fired bool
	if st.hasLast {
		dt := ts.Sub(st.lastTS).Seconds()
		if dt > 0 {
			deltaKWh := kwh - st.lastKWh
			rateKW := deltaKWh * 3600 / dt
			maxKW := d.cfg.MaxRateKW(ev.CPID)
			switch {
			case deltaKWh < 0:
				out = alarm(ev, AnomalyEnergyMismatch, model.SeverityHigh, map[string]any{
					"reason":       "Meter value rolled back",
					"previous_kwh": st.lastKWh,
					"current_kwh":  kwh,
				})
				fired = true
				st.underStreak = 0
			case rateKW > maxKW*d.cfg.RateTolerance:
				out = alarm(ev, AnomalyEnergyMismatch, model.SeverityHigh, map[string]any{
					"reason":         "Reported energy rate exceeds charge point profile",
					"rate_kw":        rateKW,
					"profile_max_kw": maxKW,
					"interval_sec":   dt,
					"interval_kwh":   deltaKWh,
				})
				fired = true
				st.underStreak = 0
			case st.session && st.lastStatus == "Charging" && rateKW < d.cfg.MinChargingRateKW:
				st.underStreak++
				if st.underStreak >= d.cfg.UnderReportStreak {
					out = alarm(ev, AnomalyEnergyMismatch, model.SeverityHigh, map[string]any{
						"reason":         "Energy consumption rate mismatch (under-reporting)",
						"rate_kw":        rateKW,
						"profile_min_kw": d.cfg.MinChargingRateKW,
						"intervals":      st.underStreak,
					})
					fired = true
					st.underStreak = 0
				}
			default:
				st.underStreak = 0
			}
		}
	}

	st.lastKWh = kwh
	st.lastTS = ts
	st.hasLast = true
	return out, fired
}
