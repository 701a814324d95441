package ingest

import (
	"context"
	"log/slog"
	"time"

	"diagnet/internal/metrics"
	"diagnet/internal/model"
)

// SendNonBlocking enqueues a reading for persistence, dropping it when the
// buffer is full. Drop-new keeps memory bounded under overload; the broker
// redelivers on reconnect, so recency loses to boundedness here.
func SendNonBlocking(ctx context.Context, out chan<- model.Reading, r model.Reading, logger *slog.Logger) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.BufferOverflows.Inc()
		if logger != nil {
			logger.Warn("ingest buffer full, dropping reading",
				"machine_id", r.MachineID, "timestamp", r.Timestamp.Time)
		}
		return false
	}
}

// BackoffSleep waits for d or until the context ends, whichever is first.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
