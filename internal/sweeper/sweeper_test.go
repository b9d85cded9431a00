package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeter/internal/model"
	"tokenmeter/internal/repository"
)

type fixedTimeouts time.Duration

func (f fixedTimeouts) MaxTimeout() time.Duration { return time.Duration(f) }

type fakeLocker struct {
	held     bool
	err      error
	released []string
}

func (f *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	if f.held {
		return "", false, nil
	}
	return "token", true, nil
}

func (f *fakeLocker) Release(ctx context.Context, key, token string) error {
	f.released = append(f.released, token)
	return nil
}

func TestThreshold(t *testing.T) {
	s := New(nil, nil, fixedTimeouts(60*time.Second), Config{HeldAfter: 10 * time.Minute})
	assert.Equal(t, 10*time.Minute, s.Threshold())

	s = New(nil, nil, fixedTimeouts(15*time.Minute), Config{HeldAfter: 10 * time.Minute})
	assert.Equal(t, 15*time.Minute+grace, s.Threshold())
}

func TestSweep_RollsBackOnlyStaleHolds(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ledger := repository.NewMemoryLedger().WithClock(func() time.Time { return now })
	require.NoError(t, ledger.CreateAccount(ctx, "alice", 100))

	stale, err := ledger.Reserve(ctx, "alice", 10)
	require.NoError(t, err)
	staleCommitted, err := ledger.Reserve(ctx, "alice", 5)
	require.NoError(t, err)
	_, err = ledger.Commit(ctx, staleCommitted.ID)
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	fresh, err := ledger.Reserve(ctx, "alice", 20)
	require.NoError(t, err)

	locker := &fakeLocker{}
	s := New(ledger, locker, fixedTimeouts(time.Minute), Config{HeldAfter: 10 * time.Minute})
	s.now = func() time.Time { return now }

	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, []string{"token"}, locker.released)

	r, err := ledger.GetReservation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationRolledBack, r.State)

	r, err = ledger.GetReservation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationHeld, r.State)

	balance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(75), balance)

	swept, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestSweep_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	ledger := repository.NewMemoryLedger().WithClock(func() time.Time { return now.Add(-time.Hour) })
	require.NoError(t, ledger.CreateAccount(ctx, "bob", 10))
	_, err := ledger.Reserve(ctx, "bob", 10)
	require.NoError(t, err)

	s := New(ledger, &fakeLocker{held: true}, nil, Config{HeldAfter: time.Minute})
	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	s = New(ledger, &fakeLocker{err: errors.New("redis down")}, nil, Config{HeldAfter: time.Minute})
	_, err = s.Sweep(ctx)
	assert.Error(t, err)

	balance, err := ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestSweep_WithoutLocker(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryLedger().WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	require.NoError(t, ledger.CreateAccount(ctx, "carol", 10))
	_, err := ledger.Reserve(ctx, "carol", 4)
	require.NoError(t, err)

	swept, err := New(ledger, nil, nil, Config{HeldAfter: time.Minute}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := New(repository.NewMemoryLedger(), nil, nil, Config{Schedule: "not a schedule"})
	assert.Error(t, s.Start(context.Background()))
}
