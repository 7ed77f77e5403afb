package orchestrator

import (
	"context"
	"time"

	"github.com/cloudresty/emit"

	"github.com/has99an/marketplace-compensation/internal/metrics"
	"github.com/has99an/marketplace-compensation/internal/saga"
	"github.com/has99an/marketplace-compensation/internal/sagastore"
)

// StuckMonitor periodically scans for sagas sitting in a non-terminal status
// past the threshold. Stuck sagas in CompensationRequired get their pending
// actions re-dispatched; the idempotency ledger makes the re-dispatch safe.
type StuckMonitor struct {
	store        sagastore.Store
	orchestrator *Orchestrator
	collector    *metrics.Collector
	threshold    time.Duration
	interval     time.Duration
}

// NewStuckMonitor creates a monitor scanning every interval for sagas older
// than threshold.
func NewStuckMonitor(store sagastore.Store, o *Orchestrator, collector *metrics.Collector, threshold, interval time.Duration) *StuckMonitor {
	return &StuckMonitor{
		store:        store,
		orchestrator: o,
		collector:    collector,
		threshold:    threshold,
		interval:     interval,
	}
}

// Run scans until the context ends.
func (m *StuckMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *StuckMonitor) scan(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.threshold)
	var stuck int

	for _, status := range []saga.Status{saga.StatusInProgress, saga.StatusCompensationRequired} {
		sagas, err := m.store.ListByStatusOlderThan(ctx, status, cutoff)
		if err != nil {
			emit.Error.StructuredFields("Stuck saga scan failed",
				emit.ZString("status", string(status)),
				emit.ZString("error", err.Error()))
			continue
		}
		stuck += len(sagas)

		for _, sg := range sagas {
			emit.Warn.StructuredFields("Saga stuck",
				emit.ZString("saga_id", sg.ID),
				emit.ZString("status", string(sg.Status)),
				emit.ZString("age", time.Since(sg.UpdatedAt).String()))

			if sg.Status == saga.StatusCompensationRequired {
				if err := m.orchestrator.Flush(ctx, sg.ID); err != nil {
					emit.Error.StructuredFields("Stuck saga re-dispatch failed",
						emit.ZString("saga_id", sg.ID),
						emit.ZString("error", err.Error()))
				}
			}
		}
	}

	m.collector.SagasStuck.Set(float64(stuck))
}

// RetentionSweeper periodically deletes terminal sagas older than the
// retention window, bounding store growth.
type RetentionSweeper struct {
	store     sagastore.Store
	collector *metrics.Collector
	retention time.Duration
	interval  time.Duration
}

// NewRetentionSweeper creates a sweeper removing terminal sagas older than
// retention on every interval.
func NewRetentionSweeper(store sagastore.Store, collector *metrics.Collector, retention, interval time.Duration) *RetentionSweeper {
	return &RetentionSweeper{
		store:     store,
		collector: collector,
		retention: retention,
		interval:  interval,
	}
}

// Run sweeps until the context ends.
func (s *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RetentionSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	removed, err := s.store.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		emit.Error.StructuredFields("Retention sweep failed",
			emit.ZString("error", err.Error()))
		return
	}
	if removed > 0 {
		s.collector.SagasSwept.Add(float64(removed))
		emit.Info.StructuredFields("Swept terminal sagas",
			emit.ZInt("removed", int(removed)))
	}
}
