package deal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/middleman-market/middleman/internal/metrics"
)

const sweepBatchSize = 100

// SweepResult counts the transitions performed by one sweep pass.
type SweepResult struct {
	Expired      int `json:"expired"`
	AutoRefunded int `json:"autoRefunded"`
	AutoReleased int `json:"autoReleased"`
	Errors       int `json:"errors"`
}

// Timer periodically sweeps deals past their deadlines: unclaimed listings
// expire, funded deals with a silent seller auto-refund, transferred deals
// with a silent buyer auto-release.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new deadline sweeper.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    service.Store(),
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in deal sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx, time.Now())
}

// Sweep runs one pass over all three deadline scans as of the given instant.
// Each candidate is handled independently; one failure never blocks the rest.
// A candidate that transitioned concurrently (ErrInvalidStatus) is a no-op,
// not an error, which makes the sweep idempotent: a deadline crossed once is
// acted on exactly once no matter how many passes observe it.
func (t *Timer) Sweep(ctx context.Context, now time.Time) SweepResult {
	metrics.SweepRunsTotal.Inc()
	var res SweepResult

	t.sweepScan(ctx, now, "expire", t.store.ListOpenExpired, &res.Expired, &res.Errors,
		func(ctx context.Context, id string) error { _, err := t.service.Expire(ctx, id); return err })

	t.sweepScan(ctx, now, "auto_refund", t.store.ListFundedExpired, &res.AutoRefunded, &res.Errors,
		func(ctx context.Context, id string) error { _, err := t.service.AutoRefund(ctx, id); return err })

	t.sweepScan(ctx, now, "auto_release", t.store.ListTransferredExpired, &res.AutoReleased, &res.Errors,
		func(ctx context.Context, id string) error { _, err := t.service.AutoRelease(ctx, id); return err })

	if res.Expired+res.AutoRefunded+res.AutoReleased+res.Errors > 0 {
		t.logger.Info("deal sweep completed",
			"expired", res.Expired,
			"autoRefunded", res.AutoRefunded,
			"autoReleased", res.AutoReleased,
			"errors", res.Errors,
		)
	}
	return res
}

func (t *Timer) sweepScan(
	ctx context.Context,
	now time.Time,
	kind string,
	list func(context.Context, time.Time, int) ([]*Deal, error),
	done *int,
	failed *int,
	act func(context.Context, string) error,
) {
	candidates, err := list(ctx, now, sweepBatchSize)
	if err != nil {
		t.logger.Warn("failed to list sweep candidates", "kind", kind, "error", err)
		*failed++
		return
	}

	for _, d := range candidates {
		if err := act(ctx, d.ID); err != nil {
			if errors.Is(err, ErrInvalidStatus) || errors.Is(err, ErrDealNotFound) {
				// Transitioned between the scan and the action; already handled.
				continue
			}
			t.logger.Warn("failed to sweep deal", "kind", kind, "dealId", d.ID, "error", err)
			*failed++
			continue
		}
		metrics.SweepTransitionsTotal.WithLabelValues(kind).Inc()
		*done++
		t.logger.Info("swept deal past deadline", "kind", kind, "dealId", d.ID, "code", d.Code)
	}
}
