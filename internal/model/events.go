package model

import "time"

const LedgerEventsTopic = "ledger.events"

type LedgerEventType string

const (
	EventReserved   LedgerEventType = "reserved"
	EventCommitted  LedgerEventType = "committed"
	EventRolledBack LedgerEventType = "rolled_back"
	EventCredited   LedgerEventType = "credited"
)

// LedgerEvent is published after every ledger transition and persisted by the
// journal worker.
type LedgerEvent struct {
	ID            string          `json:"id"`
	Type          LedgerEventType `json:"type"`
	UserID        string          `json:"user_id"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Amount        int64           `json:"amount"`
	BalanceAfter  int64           `json:"balance_after"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
