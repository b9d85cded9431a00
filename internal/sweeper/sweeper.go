// Package sweeper rolls back reservations left held by a crashed or
// stuck execution.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"tokenmeter/internal/metrics"
	"tokenmeter/internal/model"
	"tokenmeter/internal/repository"
)

const (
	lockKey = "tokenmeter:sweeper"
	// grace is added on top of the longest fulfillment timeout so a slow but
	// live execution is never swept.
	grace = 30 * time.Second
)

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type TimeoutSource interface {
	MaxTimeout() time.Duration
}

type Config struct {
	Schedule  string
	HeldAfter time.Duration
	BatchSize int
}

type Sweeper struct {
	ledger   repository.Ledger
	locker   Locker
	timeouts TimeoutSource
	cfg      Config
	now      func() time.Time
}

// New builds a sweeper. locker may be nil on single-replica deployments.
func New(ledger repository.Ledger, locker Locker, timeouts TimeoutSource, cfg Config) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{ledger: ledger, locker: locker, timeouts: timeouts, cfg: cfg, now: time.Now}
}

// Threshold is how long a reservation may stay held before it is treated as
// orphaned.
func (s *Sweeper) Threshold() time.Duration {
	threshold := s.cfg.HeldAfter
	if s.timeouts != nil {
		if floor := s.timeouts.MaxTimeout() + grace; floor > threshold {
			threshold = floor
		}
	}
	return threshold
}

// Sweep rolls back one batch of orphaned reservations and returns how many
// were rolled back.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, lockKey, time.Minute)
		if err != nil {
			return 0, fmt.Errorf("sweeper: lock: %w", err)
		}
		if !ok {
			slog.Debug("sweeper: another replica holds the lock, skipping")
			return 0, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
				slog.Warn("sweeper: failed to release lock", "error", err)
			}
		}()
	}

	cutoff := s.now().Add(-s.Threshold())
	held, err := s.ledger.ListHeld(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list held: %w", err)
	}

	swept := 0
	for _, r := range held {
		rolled, err := s.ledger.Rollback(ctx, r.ID)
		if errors.Is(err, model.ErrInvalidReservationState) {
			// Committed between listing and rollback.
			continue
		}
		if err != nil {
			slog.Error("sweeper: rollback failed", "reservation_id", r.ID, "user_id", r.UserID, "error", err)
			continue
		}
		swept++
		metrics.SweptReservations.Inc()
		slog.Warn("sweeper: rolled back orphaned reservation",
			"reservation_id", r.ID,
			"user_id", r.UserID,
			"amount", r.Amount,
			"held_since", r.CreatedAt,
			"balance_after", rolled.BalanceAfter,
		)
	}
	return swept, nil
}

// Start runs Sweep on the configured cron schedule until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			slog.Error("sweeper: run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("sweeper: invalid schedule %q: %w", s.cfg.Schedule, err)
	}

	slog.Info("Sweeper is running", "schedule", s.cfg.Schedule, "threshold", s.Threshold())
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Stop is a no-op, shutdown is via ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	return nil
}
