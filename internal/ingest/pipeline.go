package ingest

import (
	"context"
	"errors"
	"log/slog"

	"diagnet/internal/metrics"
	"diagnet/internal/model"
)

// Pipeline runs one message through decode, identity check, validation and
// the bounded buffer. Per topic, messages pass through here in arrival
// order; across topics there is no ordering.
type Pipeline struct {
	validator *Validator
	out       chan<- model.Reading
	logger    *slog.Logger
}

func NewPipeline(validator *Validator, out chan<- model.Reading, logger *slog.Logger) *Pipeline {
	return &Pipeline{validator: validator, out: out, logger: logger}
}

// Handle processes one raw payload. topicID is the machine identifier
// extracted from the transport topic, or empty when the transport carries
// none. The returned error reports the rejection kind; accepted messages
// return nil even if the buffer dropped them (overflow has its own
// counter).
func (p *Pipeline) Handle(ctx context.Context, source, topicID string, payload []byte) error {
	metrics.MessagesReceived.WithLabelValues(source).Inc()

	r, err := p.validator.Decode(payload)
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			metrics.MalformedPayloads.Inc()
			if p.logger != nil {
				p.logger.Debug("dropping malformed payload", "source", source, "err", err)
			}
			return err
		}
		// decodable JSON missing a required attribute
		metrics.InvalidReadings.Inc()
		if p.logger != nil {
			p.logger.Warn("dropping incomplete reading", "source", source, "err", err)
		}
		return err
	}
	if err := CheckIdentity(topicID, &r); err != nil {
		metrics.IdentityMismatches.Inc()
		if p.logger != nil {
			p.logger.Warn("dropping reading with mismatched identity",
				"source", source, "topic_id", topicID, "machine_id", r.MachineID)
		}
		return err
	}
	if err := p.validator.Validate(&r); err != nil {
		if errors.Is(err, ErrQualityCheckFailed) {
			metrics.QualityCheckFailures.Inc()
		} else {
			metrics.InvalidReadings.Inc()
		}
		if p.logger != nil {
			p.logger.Warn("dropping invalid reading",
				"source", source, "machine_id", r.MachineID, "err", err)
		}
		return err
	}
	SendNonBlocking(ctx, p.out, r, p.logger)
	return nil
}
