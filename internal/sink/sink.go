// Package sink pushes finished alarms downstream. Each alarm is emitted as
// one self-describing JSON record; emission failures are logged, never
// propagated into the event path.
package sink

import (
	"context"
	"log/slog"

	"cpguard/internal/config"
	"cpguard/internal/model"
)

type Sink interface {
	Emit(ctx context.Context, alarm model.Alarm) error
	Close() error
}

// New builds the configured sinks fanned out behind a single Sink. Returns
// nil when no sink is enabled.
func New(cfg config.SinkConfig, logger *slog.Logger) (Sink, error) {
	var sinks []Sink
	if cfg.File.Enabled {
		fs, err := NewFileSink(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka, logger))
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return multiSink(sinks), nil
	}
}

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, alarm model.Alarm) error {
	var firstErr error
	for _, s := range m {
		if err := s.Emit(ctx, alarm); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m multiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
