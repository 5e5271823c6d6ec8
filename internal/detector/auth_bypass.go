package detector

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cpguard/internal/model"
)

const AnomalyAuthBypass = "AUTH_BYPASS"

type authState struct {
	ts    time.Time
	idTag string
}

// AuthBypass flags StartTransaction messages that are not covered by a
// fresh, matching Authorize. Freshness is measured in event time: both
// timestamps come from the same source clock.
type AuthBypass struct {
	maxAge time.Duration
	auths  *lru.Cache[string, authState]
}

func NewAuthBypass(maxAge time.Duration, fleetSize int) *AuthBypass {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &AuthBypass{maxAge: maxAge, auths: newCPCache[authState](fleetSize)}
}

func (d *AuthBypass) Name() string { return "auth_bypass" }

func (d *AuthBypass) Process(ev model.Event) (model.Alarm, bool) {
	if ev.CPID == "" {
		return model.Alarm{}, false
	}
	ts := eventTime(ev)

	if ev.MessageType == model.MsgAuthorize {
		d.auths.Add(ev.CPID, authState{ts: ts, idTag: ev.IDTag})
		return model.Alarm{}, false
	}
	if ev.MessageType != model.MsgStartTransaction {
		return model.Alarm{}, false
	}

	if ev.IDTag == "" {
		return alarm(ev, AnomalyAuthBypass, model.SeverityHigh, map[string]any{
			"reason": "StartTransaction without idTag",
		}), true
	}

	auth, ok := d.auths.Get(ev.CPID)
	if !ok || ts.Sub(auth.ts) > d.maxAge {
		details := map[string]any{
			"reason": "StartTransaction without fresh Authorize",
		}
		if ok {
			details["last_authorize"] = auth.ts
			details["auth_age_seconds"] = ts.Sub(auth.ts).Seconds()
		}
		return alarm(ev, AnomalyAuthBypass, model.SeverityHigh, details), true
	}
	if auth.idTag != "" && auth.idTag != ev.IDTag {
		return alarm(ev, AnomalyAuthBypass, model.SeverityHigh, map[string]any{
			"reason":         "StartTransaction idTag does not match Authorize",
			"authorized_tag": auth.idTag,
			"presented_tag":  ev.IDTag,
		}), true
	}
	return model.Alarm{}, false
}
