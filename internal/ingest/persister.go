package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"diagnet/internal/config"
	"diagnet/internal/metrics"
	"diagnet/internal/model"
	"diagnet/internal/storage"
)

const (
	persistRetryInitial = 1 * time.Second
	persistRetryMax     = 30 * time.Second
)

// Persister is the single consumer of the ingest buffer. It flushes a
// batch when batchMax readings are queued or the linger has elapsed since
// the first queued reading, and retries transient store failures with
// exponential backoff while holding the batch; nothing is re-enqueued.
type Persister struct {
	store    storage.Store
	in       chan model.Reading
	logger   *slog.Logger
	batchMax int
	linger   time.Duration
	grace    time.Duration
}

func NewPersister(store storage.Store, in chan model.Reading, cfg config.IngestConfig, logger *slog.Logger) *Persister {
	return &Persister{
		store:    store,
		in:       in,
		logger:   logger,
		batchMax: cfg.BatchMax,
		linger:   cfg.BatchLinger,
		grace:    cfg.ShutdownGrace,
	}
}

// Run consumes until ctx ends, then drains the batch in hand plus
// whatever the buffer still holds within the shutdown grace window.
// Leftovers are counted, not persisted.
func (p *Persister) Run(ctx context.Context) {
	for {
		batch := p.collect(ctx)
		if ctx.Err() != nil {
			p.drain(batch)
			return
		}
		if len(batch) > 0 {
			p.flush(ctx, batch)
		}
		metrics.BufferDepth.Set(float64(len(p.in)))
	}
}

// collect blocks for the first reading, then gathers more until the batch
// is full or the linger expires.
func (p *Persister) collect(ctx context.Context) []model.Reading {
	var batch []model.Reading
	select {
	case r := <-p.in:
		batch = append(batch, r)
	case <-ctx.Done():
		return nil
	}
	timer := time.NewTimer(p.linger)
	defer timer.Stop()
	for len(batch) < p.batchMax {
		select {
		case r := <-p.in:
			batch = append(batch, r)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

// flush appends the batch, retrying transient failures indefinitely until
// success or until stop is requested. A rejected batch falls back to
// row-at-a-time appends so one bad row cannot poison its neighbours.
func (p *Persister) flush(ctx context.Context, batch []model.Reading) {
	backoff := persistRetryInitial
	for {
		err := p.store.AppendBatch(context.Background(), batch)
		if err == nil {
			metrics.PersistBatches.Inc()
			metrics.ReadingsPersisted.Add(float64(len(batch)))
			return
		}
		if errors.Is(err, storage.ErrStoreRejected) {
			metrics.StoreRejected.Inc()
			if p.logger != nil {
				p.logger.Error("batch rejected by store, isolating rows",
					"size", len(batch), "err", err)
			}
			p.flushRowByRow(batch)
			return
		}
		metrics.StoreUnavailable.Inc()
		metrics.PersistRetries.Inc()
		if p.logger != nil {
			p.logger.Warn("store unavailable, retrying batch",
				"size", len(batch), "retry_in", backoff, "err", err)
		}
		if !BackoffSleep(ctx, backoff) {
			// asked to stop while holding the batch
			metrics.ShutdownDropped.Add(float64(len(batch)))
			return
		}
		backoff *= 2
		if backoff > persistRetryMax {
			backoff = persistRetryMax
		}
	}
}

func (p *Persister) flushRowByRow(batch []model.Reading) {
	for _, r := range batch {
		if err := p.store.AppendBatch(context.Background(), []model.Reading{r}); err != nil {
			metrics.StoreRejected.Inc()
			if p.logger != nil {
				p.logger.Error("row dropped by store",
					"machine_id", r.MachineID, "timestamp", r.Timestamp.Time, "err", err)
			}
			continue
		}
		metrics.ReadingsPersisted.Inc()
	}
}

// drain flushes the pending batch and then empties the buffer, all within
// the grace window; readings still unpersisted at the deadline are counted
// as shutdown losses.
func (p *Persister) drain(pending []model.Reading) {
	deadline := time.Now().Add(p.grace)
	graceCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	batch := pending
	for {
		for len(batch) < p.batchMax {
			select {
			case r := <-p.in:
				batch = append(batch, r)
			default:
			}
			if len(batch) == 0 || len(p.in) == 0 {
				break
			}
		}
		if len(batch) == 0 {
			if p.logger != nil {
				p.logger.Info("ingest buffer drained")
			}
			return
		}
		if time.Now().After(deadline) {
			lost := len(batch) + len(p.in)
			metrics.ShutdownDropped.Add(float64(lost))
			if p.logger != nil {
				p.logger.Warn("shutdown grace expired, dropping buffered readings", "count", lost)
			}
			return
		}
		p.flush(graceCtx, batch)
		batch = nil
	}
}
