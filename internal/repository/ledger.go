package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"tokenmeter/internal/model"
)

// Ledger is the only writer of user balances. Every method either durably
// applies its change or returns an error; nothing is applied partially.
type Ledger interface {
	// GetBalance returns 0 for users without a balance record.
	GetBalance(ctx context.Context, userID string) (int64, error)
	// Reserve atomically takes amount off the balance and returns a held
	// reservation, or *model.InsufficientBalanceError without mutating anything.
	Reserve(ctx context.Context, userID string, amount int64) (*model.Reservation, error)
	// Commit finalizes a held reservation. Committing twice is a no-op;
	// committing a rolled back reservation fails with ErrInvalidReservationState.
	Commit(ctx context.Context, reservationID string) (*model.Reservation, error)
	// Rollback re-credits a held reservation. Same idempotency rules as Commit.
	Rollback(ctx context.Context, reservationID string) (*model.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error)
	// Credit adds purchased units and returns the new balance.
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
	CreateAccount(ctx context.Context, userID string, initialAmount int64) error
	// ListHeld returns up to limit reservations still held and created before olderThan, oldest first.
	ListHeld(ctx context.Context, olderThan time.Time, limit int) ([]model.Reservation, error)
}

var ErrCacheMiss = errors.New("balance not found in cache")

const maxUserIDLen = 128

func validateUserID(userID string) error {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" || trimmed != userID || len(userID) > maxUserIDLen {
		return model.ErrUserNotFound
	}
	return nil
}

func validateReservationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.ErrReservationNotFound
	}
	return nil
}
