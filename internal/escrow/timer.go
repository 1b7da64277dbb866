package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kaamkart/escrow/internal/metrics"
)

// DefaultTickInterval is how often the auto-release scheduler scans for
// expired holds.
const DefaultTickInterval = time.Hour

// tickBatchLimit bounds how many due payments one tick will attempt.
const tickBatchLimit = 500

// Timer periodically releases payments whose hold period has elapsed.
//
// Overlapping ticks are safe by construction: Release is a status-guarded
// conditional update, so a second concurrent attempt on the same payment
// affects zero rows. No run-in-progress flag or mutex exists on purpose.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the auto-release scheduler.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: DefaultTickInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the tick interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the scheduler loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
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
			t.safeTick(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release tick", "panic", fmt.Sprint(r))
		}
	}()
	t.Tick(ctx)
}

// TickResult reports what one scheduler pass did.
type TickResult struct {
	Scanned  int
	Released int
	Skipped  int
	Failed   int
}

// Tick runs one auto-release pass: every due payment is attempted
// independently, and one failure never aborts the batch.
func (t *Timer) Tick(ctx context.Context) TickResult {
	now := time.Now()

	due, err := t.store.ListDueForRelease(ctx, now, tickBatchLimit)
	if err != nil {
		t.logger.Warn("failed to list due payments", "error", err)
		return TickResult{}
	}

	result := TickResult{Scanned: len(due)}
	metrics.SchedulerScannedTotal.Add(float64(len(due)))

	for _, p := range due {
		_, transitioned, err := t.service.release(ctx, p.ID, ActorSystem, true)
		if err != nil {
			// ErrInvalidState means someone (an admin, a concurrent tick, a
			// fresh dispute) beat us to it. Count it as skipped, not failed.
			if errors.Is(err, ErrInvalidState) {
				result.Skipped++
				t.logger.Debug("skipping payment released or disputed since scan",
					"paymentId", p.ID)
				continue
			}
			result.Failed++
			metrics.SchedulerFailedTotal.Inc()
			t.logger.Warn("failed to auto-release payment",
				"paymentId", p.ID,
				"engagementId", p.EngagementID,
				"error", err,
			)
			continue
		}
		if !transitioned {
			// A concurrent release landed between the scan and this attempt.
			result.Skipped++
			continue
		}

		result.Released++
		metrics.SchedulerReleasedTotal.Inc()
		metrics.ReleasesTotal.WithLabelValues("auto").Inc()
		t.logger.Info("auto-released escrow",
			"paymentId", p.ID,
			"engagementId", p.EngagementID,
			"payee", p.PayeeID,
			"amount", int64(p.Amount),
		)
	}

	t.logger.Info("auto-release tick complete",
		"scanned", result.Scanned,
		"released", result.Released,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result
}
