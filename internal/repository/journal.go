package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenmeter/internal/model"
)

// JournalRepo persists ledger events into ledger_events. When syncBalances is
// set (Redis-backed ledger) it also mirrors balance_after into balances so a
// cold Redis can be warmed from Postgres.
type JournalRepo struct {
	dbPool       *pgxpool.Pool
	syncBalances bool
}

func NewJournalRepo(db *pgxpool.Pool, syncBalances bool) *JournalRepo {
	return &JournalRepo{dbPool: db, syncBalances: syncBalances}
}

// Record stores the event once. Redelivered events are ignored.
func (j *JournalRepo) Record(ctx context.Context, event model.LedgerEvent) error {
	tx, err := j.dbPool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var reservationID *string
	if event.ReservationID != "" {
		reservationID = &event.ReservationID
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_events (id, type, user_id, reservation_id, amount, balance_after, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID, string(event.Type), event.UserID, reservationID, event.Amount, event.BalanceAfter, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("journal insert failed: %w", err)
	}

	if tag.RowsAffected() > 0 && j.syncBalances {
		// Events can arrive out of order; only move the mirror forward in time.
		_, err = tx.Exec(ctx,
			`INSERT INTO balances (user_id, amount, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id) DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
			 WHERE balances.updated_at <= EXCLUDED.updated_at`,
			event.UserID, event.BalanceAfter, event.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("balance mirror failed: %w", err)
		}
	}

	return tx.Commit(ctx)
}
