package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenmeter/internal/model"
)

// PostgresLedger is the durable ledger. Reservations are rows in
// reservations; the conditional decrement in Reserve is what prevents
// double spending.
type PostgresLedger struct {
	dbPool *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{dbPool: db}
}

func (l *PostgresLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	return currentBalance(ctx, l.dbPool, userID)
}

func (l *PostgresLedger) Reserve(ctx context.Context, userID string, amount int64) (*model.Reservation, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	tx, err := l.dbPool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var after int64
	err = tx.QueryRow(ctx,
		`UPDATE balances SET amount = amount - $2, updated_at = now()
		 WHERE user_id = $1 AND amount >= $2
		 RETURNING amount`,
		userID, amount,
	).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := currentBalance(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		return nil, &model.InsufficientBalanceError{Current: current, Required: amount}
	}
	if err != nil {
		return nil, fmt.Errorf("balance decrement failed: %w", err)
	}

	r := &model.Reservation{
		ID:           uuid.NewString(),
		UserID:       userID,
		Amount:       amount,
		State:        model.ReservationHeld,
		BalanceAfter: after,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO reservations (id, user_id, amount, state) VALUES ($1, $2, $3, 'held')
		 RETURNING created_at`,
		r.ID, userID, amount,
	).Scan(&r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("reservation insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return r, nil
}

func (l *PostgresLedger) Commit(ctx context.Context, reservationID string) (*model.Reservation, error) {
	return l.resolve(ctx, reservationID, model.ReservationCommitted)
}

func (l *PostgresLedger) Rollback(ctx context.Context, reservationID string) (*model.Reservation, error) {
	return l.resolve(ctx, reservationID, model.ReservationRolledBack)
}

func (l *PostgresLedger) resolve(ctx context.Context, reservationID string, target model.ReservationState) (*model.Reservation, error) {
	if err := validateReservationID(reservationID); err != nil {
		return nil, err
	}

	tx, err := l.dbPool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanReservation(tx.QueryRow(ctx,
		`SELECT id::text, user_id, amount, state, created_at, resolved_at
		 FROM reservations WHERE id = $1 FOR UPDATE`,
		reservationID,
	))
	if err != nil {
		return nil, err
	}

	switch r.State {
	case target:
		r.BalanceAfter, err = currentBalance(ctx, tx, r.UserID)
		if err != nil {
			return nil, err
		}
		return r, nil
	case model.ReservationHeld:
	default:
		return nil, fmt.Errorf("%w: reservation %s is %s", model.ErrInvalidReservationState, r.ID, r.State)
	}

	var resolvedAt time.Time
	err = tx.QueryRow(ctx,
		`UPDATE reservations SET state = $2, resolved_at = now() WHERE id = $1 RETURNING resolved_at`,
		reservationID, string(target),
	).Scan(&resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("reservation update failed: %w", err)
	}
	r.State = target
	r.ResolvedAt = &resolvedAt

	if target == model.ReservationRolledBack {
		err = tx.QueryRow(ctx,
			`UPDATE balances SET amount = amount + $2, updated_at = now() WHERE user_id = $1 RETURNING amount`,
			r.UserID, r.Amount,
		).Scan(&r.BalanceAfter)
		if err != nil {
			return nil, fmt.Errorf("balance restore failed: %w", err)
		}
	} else {
		r.BalanceAfter, err = currentBalance(ctx, tx, r.UserID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return r, nil
}

func (l *PostgresLedger) GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error) {
	if err := validateReservationID(reservationID); err != nil {
		return nil, err
	}
	r, err := scanReservation(l.dbPool.QueryRow(ctx,
		`SELECT id::text, user_id, amount, state, created_at, resolved_at FROM reservations WHERE id = $1`,
		reservationID,
	))
	if err != nil {
		return nil, err
	}
	r.BalanceAfter, err = currentBalance(ctx, l.dbPool, r.UserID)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (l *PostgresLedger) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, model.ErrInvalidAmount
	}

	var balance int64
	err := l.dbPool.QueryRow(ctx,
		`INSERT INTO balances (user_id, amount) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = now()
		 RETURNING amount`,
		userID, amount,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit failed: %w", err)
	}
	return balance, nil
}

func (l *PostgresLedger) CreateAccount(ctx context.Context, userID string, initialAmount int64) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if initialAmount < 0 {
		return model.ErrInvalidAmount
	}
	tag, err := l.dbPool.Exec(ctx,
		`INSERT INTO balances (user_id, amount) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, initialAmount,
	)
	if err != nil {
		return fmt.Errorf("account insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAccountExists
	}
	return nil
}

func (l *PostgresLedger) ListHeld(ctx context.Context, olderThan time.Time, limit int) ([]model.Reservation, error) {
	rows, err := l.dbPool.Query(ctx,
		`SELECT id::text, user_id, amount, state, created_at, resolved_at
		 FROM reservations WHERE state = 'held' AND created_at < $1
		 ORDER BY created_at LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("held reservations query failed: %w", err)
	}
	defer rows.Close()

	var held []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		held = append(held, *r)
	}
	return held, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func currentBalance(ctx context.Context, q querier, userID string) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `SELECT amount FROM balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return balance, nil
}

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var (
		r     model.Reservation
		state string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Amount, &state, &r.CreatedAt, &r.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reservation scan failed: %w", err)
	}
	r.State = model.ReservationState(state)
	return &r, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Ledger = (*PostgresLedger)(nil)
