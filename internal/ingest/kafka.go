package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"diagnet/internal/config"
)

// StartKafka runs the optional bridge that consumes the same Reading JSON
// from a Kafka topic, blocking until ctx ends. Useful when a site
// aggregates devices behind its own broker instead of speaking MQTT
// directly.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, pipeline *Pipeline, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka bridge disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka bridge enabled",
			"brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			continue
		}
		// Kafka carries no machine identifier in its topic; the payload
		// machineId stands alone.
		_ = pipeline.Handle(ctx, "kafka", "", m.Value)
	}
}
