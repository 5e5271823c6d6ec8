package sink

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"cpguard/internal/config"
	"cpguard/internal/model"
)

// KafkaSink publishes alarms keyed by cp_id; the hash balancer keeps all
// alarms for one charge point on one partition, preserving per-CP order
// for downstream consumers. The writer runs async so a slow or unreachable
// broker never stalls the event path; delivery failures surface through
// the completion callback.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaSink(cfg config.KafkaSinkConfig, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
		Async:    true,
	}
	w.Completion = func(messages []kafka.Message, err error) {
		if err != nil && logger != nil {
			logger.Warn("kafka sink write failed", "count", len(messages), "err", err)
		}
	}
	return &KafkaSink{writer: w, logger: logger}
}

func (s *KafkaSink) Emit(ctx context.Context, alarm model.Alarm) error {
	value, err := json.Marshal(alarm)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alarm.CPID),
		Value: value,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
