// Package policy maps finished alarms to mitigation actions. Rules detect,
// ML gates execution: a rule match always surfaces, but a low-confidence
// context downgrades the action to review instead of executing it.
package policy

import (
	"log/slog"
	"time"

	"cpguard/internal/detector"
	"cpguard/internal/model"
)

const (
	ActionCredentialReject = "CREDENTIAL_REJECT"
	ActionPowerTripStop    = "POWER_TRIP_STOP"
	ActionThermalLockdown  = "THERMAL_LOCKDOWN"
	ActionEmergencyStop    = "EMERGENCY_STOP"
	ActionEnhancedAudit    = "ENHANCED_AUDIT"
	ActionObserveOnly      = "OBSERVE_ONLY"
	ActionAIVettingPending = "AI_VETTING_PENDING"
)

// highSeverityActions maps anomaly types to their targeted response; HIGH
// alarms of any other type fall back to EMERGENCY_STOP.
var highSeverityActions = map[string]string{
	detector.AnomalyAuthBypass:          ActionCredentialReject,
	detector.AnomalySessionHijacking:    ActionCredentialReject,
	detector.AnomalyPhantomCurrent:      ActionPowerTripStop,
	detector.AnomalyThermalManipulation: ActionThermalLockdown,
}

type Engine struct {
	highGate   float64
	mediumGate float64
	logger     *slog.Logger
}

func NewEngine(highGate, mediumGate float64, logger *slog.Logger) *Engine {
	if highGate <= 0 {
		highGate = 0.7
	}
	if mediumGate <= 0 {
		mediumGate = 0.3
	}
	return &Engine{highGate: highGate, mediumGate: mediumGate, logger: logger}
}

// HandleAlarm decides the mitigation for an alarm and returns a copy with
// the mitigation populated. Pure decision logic; actual hardware commands
// are external.
func (e *Engine) HandleAlarm(a model.Alarm) model.Alarm {
	action := e.candidateAction(a)
	action = e.gate(a, action)

	status := model.MitigationExecuted
	if observational(action) {
		status = model.MitigationLogged
	}
	a.Mitigation = model.Mitigation{
		Action:    action,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if e.logger != nil {
		e.logger.Info("mitigation decided",
			"cp_id", a.CPID,
			"anomaly_type", a.AnomalyType,
			"severity", a.Severity,
			"action", action,
			"status", status,
		)
	}
	return a
}

func (e *Engine) candidateAction(a model.Alarm) string {
	switch a.Severity {
	case model.SeverityHigh:
		if action, ok := highSeverityActions[a.AnomalyType]; ok {
			return action
		}
		return ActionEmergencyStop
	case model.SeverityMedium:
		return ActionEnhancedAudit
	case model.SeverityLow:
		return ActionObserveOnly
	default:
		// Unrecognized severity: most conservative action, still
		// subject to the confidence gate below.
		return ActionEmergencyStop
	}
}

func (e *Engine) gate(a model.Alarm, action string) string {
	conf := a.ML.Confidence
	if conf == nil {
		return action
	}
	switch a.Severity {
	case model.SeverityMedium:
		if *conf < e.mediumGate {
			return ActionObserveOnly
		}
		return action
	case model.SeverityLow:
		return action
	default:
		// HIGH, or unrecognized treated as HIGH.
		if *conf < e.highGate {
			return ActionAIVettingPending
		}
		return action
	}
}

func observational(action string) bool {
	switch action {
	case ActionObserveOnly, ActionEnhancedAudit, ActionAIVettingPending:
		return true
	}
	return false
}
