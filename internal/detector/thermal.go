package detector

import (
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cpguard/internal/model"
)

const AnomalyThermalManipulation = "THERMAL_MANIPULATION"

type thermalState struct {
	temp    float64
	ts      time.Time
	hasTemp bool
}

// Thermal flags an explicit temperature_override in the payload, or an
// instantaneous temperature gradient no physical sensor could produce.
// Gradient uses event time: both readings come from the source clock.
type Thermal struct {
	maxGradient float64
	cps         *lru.Cache[string, *thermalState]
}

func NewThermal(maxGradient float64, fleetSize int) *Thermal {
	if maxGradient <= 0 {
		maxGradient = 2.0
	}
	return &Thermal{maxGradient: maxGradient, cps: newCPCache[*thermalState](fleetSize)}
}

func (d *Thermal) Name() string { return "thermal" }

func (d *Thermal) Process(ev model.Event) (model.Alarm, bool) {
	if ev.CPID == "" {
		return model.Alarm{}, false
	}
	if override, ok := ev.PayloadBool("temperature_override"); ok && override {
		return alarm(ev, AnomalyThermalManipulation, model.SeverityHigh, map[string]any{
			"reason": "Temperature override flag set",
		}), true
	}

	temp, hasTemp := ev.PayloadFloat("temperature")
	if !hasTemp {
		return model.Alarm{}, false
	}
	ts := eventTime(ev)

	st, ok := d.cps.Get(ev.CPID)
	if !ok {
		st = &thermalState{}
		d.cps.Add(ev.CPID, st)
	}

	var out model.Alarm
	var fired bool
	if st.hasTemp {
		dt := ts.Sub(st.ts).Seconds()
		if dt > 0 {
			rate := math.Abs(temp-st.temp) / dt
			if rate > d.maxGradient {
				out = alarm(ev, AnomalyThermalManipulation, model.SeverityHigh, map[string]any{
					"reason":           "Physically implausible temperature gradient",
					"gradient_c_per_s": rate,
					"previous_temp":    st.temp,
					"current_temp":     temp,
				})
				fired = true
			}
		}
	}

	st.temp = temp
	st.ts = ts
	st.hasTemp = true
	return out, fired
}
