package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/booking"
)

// Resolver is the part of booking.Manager the worker drives.
type Resolver interface {
	ResolveExpiredBookings(ctx context.Context, limit int) (booking.SweepResult, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Worker periodically resolves confirmed bookings whose decision deadline
// has passed. A zero interval disables it.
type Worker struct {
	resolver Resolver
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

func New(resolver Resolver, logger *slog.Logger, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Worker{
		resolver: resolver,
		logger:   logger,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
	}
}

func (w *Worker) Run(ctx context.Context) {
	if w.interval <= 0 {
		w.logger.Info("expiry sweep disabled (SWEEP_INTERVAL not set)")
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce drains expired bookings batch by batch until a batch comes back
// short or fails.
func (w *Worker) RunOnce(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		res, err := w.resolver.ResolveExpiredBookings(ctx, w.batch)
		if err != nil {
			w.logger.Error("expiry sweep failed", "err", err)
			return total
		}
		total += res.Updated
		if res.Scanned < w.batch {
			break
		}
	}
	if total > 0 {
		w.logger.Info("expired bookings resolved", "count", total)
	}
	return total
}
