package detector

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"cpguard/internal/model"
)

const AnomalySessionHijacking = "SESSION_HIJACKING"

// SessionHijack tracks which CP opened each transaction and flags any later
// use of that transaction id by a different CP. Unlike the other detectors
// its state is keyed by transaction id, not cp_id; the lru.Cache is
// internally locked, which covers the cross-partition sharing requirement.
type SessionHijack struct {
	owners *lru.Cache[string, string]
}

func NewSessionHijack(fleetSize int) *SessionHijack {
	return &SessionHijack{owners: newCPCache[string](fleetSize)}
}

func (d *SessionHijack) Name() string { return "session_hijack" }

func (d *SessionHijack) Process(ev model.Event) (model.Alarm, bool) {
	if ev.CPID == "" {
		return model.Alarm{}, false
	}
	tx, ok := txIDOf(ev)
	if !ok {
		return model.Alarm{}, false
	}

	switch ev.MessageType {
	case model.MsgStartTransaction:
		owner, exists := d.owners.Get(tx)
		if exists && owner != ev.CPID {
			// Re-binding an owned transaction is itself a hijack
			// attempt; the original owner is kept.
			return d.hijackAlarm(ev, tx, owner), true
		}
		if !exists {
			d.owners.Add(tx, ev.CPID)
		}
	case model.MsgMeterValues, model.MsgStopTransaction:
		owner, exists := d.owners.Get(tx)
		if exists && owner != ev.CPID {
			return d.hijackAlarm(ev, tx, owner), true
		}
		// Ownership survives StopTransaction so late traffic on a
		// closed transaction is still attributable.
	}
	return model.Alarm{}, false
}

func (d *SessionHijack) hijackAlarm(ev model.Event, tx, owner string) model.Alarm {
	return alarm(ev, AnomalySessionHijacking, model.SeverityHigh, map[string]any{
		"reason":         "Transaction ID usage mismatch (hijacking)",
		"original_cp":    owner,
		"attacker_cp":    ev.CPID,
		"transaction_id": tx,
	})
}
