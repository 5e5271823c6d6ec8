// Package engine wires the anomaly pipeline: state buffer update, detector
// fan-out, ML enrichment, policy decision, emission. Events are processed
// one at a time in arrival order; nothing in the hot path blocks on I/O.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cpguard/internal/alarms"
	"cpguard/internal/config"
	"cpguard/internal/detector"
	"cpguard/internal/ml"
	"cpguard/internal/model"
	"cpguard/internal/policy"
	"cpguard/internal/sink"
	"cpguard/internal/statebuf"
	"cpguard/internal/storage"
	"cpguard/internal/telemetry"
)

// pipeline holds the swappable half of the engine. Process reads it once
// per event through an atomic.Value, so a concurrent UpdateConfig or Reset
// never hands a half-built detector set or policy to the hot path.
type pipeline struct {
	detectors []detector.Detector
	policy    *policy.Engine
}

type Engine struct {
	logger    *slog.Logger
	state     *statebuf.Buffer
	enricher  *ml.Enricher
	alarms    *alarms.Store
	telemetry *telemetry.Store
	store     storage.Store
	sink      sink.Sink
	cfg       atomic.Value
	pipe      atomic.Value
	started   time.Time
}

func New(cfg *config.Config, logger *slog.Logger, alarmStore *alarms.Store, telemetryStore *telemetry.Store, store storage.Store, alarmSink sink.Sink) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		logger:    logger,
		state:     statebuf.New(cfg.State.Window, cfg.Detection.FleetSize),
		enricher:  ml.NewEnricher(cfg.ML.ModelPath, logger),
		alarms:    alarmStore,
		telemetry: telemetryStore,
		store:     store,
		sink:      alarmSink,
		started:   time.Now().UTC(),
	}
	e.cfg.Store(cfg)
	e.pipe.Store(&pipeline{
		detectors: detector.All(cfg),
		policy:    policy.NewEngine(cfg.Policy.HighConfidenceGate, cfg.Policy.MediumConfidenceGate, logger),
	})
	return e
}

// UpdateConfig swaps thresholds for future events. Detector state carries
// over; only the policy gates are rebuilt.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.cfg.Store(cfg)
	cur := e.pipeline()
	e.pipe.Store(&pipeline{
		detectors: cur.detectors,
		policy:    policy.NewEngine(cfg.Policy.HighConfidenceGate, cfg.Policy.MediumConfidenceGate, e.logger),
	})
}

func (e *Engine) pipeline() *pipeline {
	return e.pipe.Load().(*pipeline)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Start(ctx context.Context, in <-chan model.Event) {
	go func() {
		for {
			select {
			case ev := <-in:
				e.Process(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Process runs one event through the full pipeline and returns the
// finished alarms. A panicking detector is logged and skipped; it never
// blinds the remaining detectors.
func (e *Engine) Process(ev model.Event) []model.Alarm {
	e.state.Update(ev)
	snap := e.state.Snapshot(ev.CPID)
	if e.telemetry != nil {
		e.telemetry.Update(ev.CPID, snap)
	}

	p := e.pipeline()
	out := make([]model.Alarm, 0)
	for _, d := range p.detectors {
		a, fired := e.runDetector(d, ev)
		if !fired {
			continue
		}
		a = e.finish(ev, a, snap, p.policy)
		out = append(out, a)
	}
	return out
}

func (e *Engine) runDetector(d detector.Detector, ev model.Event) (a model.Alarm, fired bool) {
	defer func() {
		if r := recover(); r != nil {
			fired = false
			if e.logger != nil {
				e.logger.Error("detector panicked, skipped for this event",
					"detector", d.Name(),
					"cp_id", ev.CPID,
					"panic", r,
				)
			}
		}
	}()
	return d.Process(ev)
}

func (e *Engine) finish(ev model.Event, a model.Alarm, snap model.StateSnapshot, pol *policy.Engine) model.Alarm {
	a.ID = uuid.NewString()
	if a.CPID == "" {
		a.CPID = ev.CPID
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	a = e.enricher.Enrich(ev, a, snap)
	a = pol.HandleAlarm(a)

	if e.alarms != nil {
		e.alarms.Add(a)
	}
	if e.logger != nil {
		e.logger.Warn("alarm",
			"anomaly_type", a.AnomalyType,
			"cp_id", a.CPID,
			"severity", a.Severity,
			"action", a.Mitigation.Action,
			"status", a.Mitigation.Status,
		)
	}
	if e.store != nil {
		_ = e.store.SaveAlarm(context.Background(), a)
		_ = e.store.SaveSnapshot(context.Background(), a.CPID, snap)
	}
	if e.sink != nil {
		_ = e.sink.Emit(context.Background(), a)
	}
	return a
}

func (e *Engine) Reset() {
	cfg := e.config()
	e.state.Reset()
	cur := e.pipeline()
	e.pipe.Store(&pipeline{
		detectors: detector.All(cfg),
		policy:    cur.policy,
	})
}
