package detector

import (
	"math"
	"time"

	"cpguard/internal/model"
)

const AnomalyTimeDesync = "TIME_DESYNC"

// TimeDesync is stateless: it compares the claimed event time against the
// server's wall clock. A `cp_timestamp` payload field (the charge point's
// own clock) takes precedence over the normalized event timestamp.
type TimeDesync struct {
	maxSkew time.Duration
}

func NewTimeDesync(maxSkew time.Duration) *TimeDesync {
	if maxSkew <= 0 {
		maxSkew = 300 * time.Second
	}
	return &TimeDesync{maxSkew: maxSkew}
}

func (d *TimeDesync) Name() string { return "time_desync" }

// maxUnixSeconds is 2200-01-01T00:00:00Z; converting larger epochs to
// nanoseconds overflows int64 and can wrap the claimed time back to the
// present, hiding the skew.
const maxUnixSeconds = 7258118400

func (d *TimeDesync) Process(ev model.Event) (model.Alarm, bool) {
	claimed := ev.Timestamp
	if unix, ok := ev.PayloadFloat("cp_timestamp"); ok {
		if unix < 0 || unix > maxUnixSeconds {
			now := time.Now().UTC()
			return model.Alarm{
				AnomalyType: AnomalyTimeDesync,
				CPID:        ev.CPID,
				Severity:    model.SeverityMedium,
				Details: map[string]any{
					"reason":       "Clock skew exceeded limits",
					"skew_seconds": math.Abs(float64(now.Unix()) - unix),
					"cp_epoch":     unix,
					"server_time":  now,
				},
				Timestamp: now,
			}, true
		}
		claimed = time.Unix(0, int64(unix*float64(time.Second))).UTC()
	}
	if claimed.IsZero() {
		return model.Alarm{}, false
	}

	now := time.Now().UTC()
	skew := now.Sub(claimed)
	if math.Abs(skew.Seconds()) <= d.maxSkew.Seconds() {
		return model.Alarm{}, false
	}
	return model.Alarm{
		AnomalyType: AnomalyTimeDesync,
		CPID:        ev.CPID,
		Severity:    model.SeverityMedium,
		Details: map[string]any{
			"reason":       "Clock skew exceeded limits",
			"skew_seconds": math.Abs(skew.Seconds()),
			"cp_time":      claimed,
			"server_time":  now,
		},
		Timestamp: now,
	}, true
}
