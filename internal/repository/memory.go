package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokenmeter/internal/model"
)

// MemoryLedger keeps balances in process. It is used by tests and by local
// runs with TOKENMETER_LEDGER_STORE=memory; nothing survives a restart.
type MemoryLedger struct {
	mu           sync.Mutex
	balances     map[string]int64
	reservations map[string]*model.Reservation
	now          func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:     make(map[string]int64),
		reservations: make(map[string]*model.Reservation),
		now:          time.Now,
	}
}

// WithClock replaces the time source; tests use it to age reservations.
func (m *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	m.now = now
	return m
}

func (m *MemoryLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *MemoryLedger) Reserve(ctx context.Context, userID string, amount int64) (*model.Reservation, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.balances[userID]
	if current < amount {
		return nil, &model.InsufficientBalanceError{Current: current, Required: amount}
	}
	m.balances[userID] = current - amount

	r := &model.Reservation{
		ID:           uuid.NewString(),
		UserID:       userID,
		Amount:       amount,
		State:        model.ReservationHeld,
		CreatedAt:    m.now(),
		BalanceAfter: current - amount,
	}
	m.reservations[r.ID] = r

	out := *r
	return &out, nil
}

func (m *MemoryLedger) Commit(ctx context.Context, reservationID string) (*model.Reservation, error) {
	return m.resolve(reservationID, model.ReservationCommitted)
}

func (m *MemoryLedger) Rollback(ctx context.Context, reservationID string) (*model.Reservation, error) {
	return m.resolve(reservationID, model.ReservationRolledBack)
}

func (m *MemoryLedger) resolve(reservationID string, target model.ReservationState) (*model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return nil, model.ErrReservationNotFound
	}

	switch r.State {
	case target:
	case model.ReservationHeld:
		now := m.now()
		r.State = target
		r.ResolvedAt = &now
		if target == model.ReservationRolledBack {
			m.balances[r.UserID] += r.Amount
		}
	default:
		return nil, fmt.Errorf("%w: reservation %s is %s", model.ErrInvalidReservationState, r.ID, r.State)
	}

	r.BalanceAfter = m.balances[r.UserID]
	out := *r
	return &out, nil
}

func (m *MemoryLedger) GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return nil, model.ErrReservationNotFound
	}
	out := *r
	out.BalanceAfter = m.balances[r.UserID]
	return &out, nil
}

func (m *MemoryLedger) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, model.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	return m.balances[userID], nil
}

func (m *MemoryLedger) CreateAccount(ctx context.Context, userID string, initialAmount int64) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if initialAmount < 0 {
		return model.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.balances[userID]; exists {
		return model.ErrAccountExists
	}
	m.balances[userID] = initialAmount
	return nil
}

func (m *MemoryLedger) ListHeld(ctx context.Context, olderThan time.Time, limit int) ([]model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var held []model.Reservation
	for _, r := range m.reservations {
		if r.State == model.ReservationHeld && r.CreatedAt.Before(olderThan) {
			held = append(held, *r)
		}
	}
	sort.Slice(held, func(i, j int) bool { return held[i].CreatedAt.Before(held[j].CreatedAt) })
	if limit > 0 && len(held) > limit {
		held = held[:limit]
	}
	return held, nil
}

var _ Ledger = (*MemoryLedger)(nil)
