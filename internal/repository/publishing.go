package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tokenmeter/internal/model"
)

// MessageBus is the outbound side of the event bus (NATS or gRPC).
type MessageBus interface {
	Publish(topic string, data []byte) error
}

// PublishingLedger wraps a Ledger and publishes a model.LedgerEvent after
// every successful transition. A failed publish is logged; the ledger
// result stands.
type PublishingLedger struct {
	Ledger
	bus MessageBus
	now func() time.Time
}

func NewPublishingLedger(inner Ledger, bus MessageBus) *PublishingLedger {
	return &PublishingLedger{Ledger: inner, bus: bus, now: eventTime}
}

// eventTime has the millisecond resolution of Redis reservation timestamps,
// so the journal's balance mirror orders credits and reservations on one scale.
func eventTime() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

func (p *PublishingLedger) Reserve(ctx context.Context, userID string, amount int64) (*model.Reservation, error) {
	r, err := p.Ledger.Reserve(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	p.publishReservation(model.EventReserved, r)
	return r, nil
}

func (p *PublishingLedger) Commit(ctx context.Context, reservationID string) (*model.Reservation, error) {
	r, err := p.Ledger.Commit(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	p.publishReservation(model.EventCommitted, r)
	return r, nil
}

func (p *PublishingLedger) Rollback(ctx context.Context, reservationID string) (*model.Reservation, error) {
	r, err := p.Ledger.Rollback(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	p.publishReservation(model.EventRolledBack, r)
	return r, nil
}

func (p *PublishingLedger) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	balance, err := p.Ledger.Credit(ctx, userID, amount)
	if err != nil {
		return 0, err
	}
	p.publish(model.LedgerEvent{
		ID:           uuid.NewString(),
		Type:         model.EventCredited,
		UserID:       userID,
		Amount:       amount,
		BalanceAfter: balance,
		OccurredAt:   p.now(),
	})
	return balance, nil
}

// publishReservation uses "<reservation id>:<type>" as the event id, so a
// repeated commit or rollback produces the same event and the journal keeps
// one row for it.
func (p *PublishingLedger) publishReservation(eventType model.LedgerEventType, r *model.Reservation) {
	occurred := r.CreatedAt
	if r.ResolvedAt != nil {
		occurred = *r.ResolvedAt
	}
	p.publish(model.LedgerEvent{
		ID:            r.ID + ":" + string(eventType),
		Type:          eventType,
		UserID:        r.UserID,
		ReservationID: r.ID,
		Amount:        r.Amount,
		BalanceAfter:  r.BalanceAfter,
		OccurredAt:    occurred,
	})
}

func (p *PublishingLedger) publish(event model.LedgerEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("ledger: failed to marshal event", "type", event.Type, "error", err)
		return
	}
	if err := p.bus.Publish(model.LedgerEventsTopic, data); err != nil {
		slog.Warn("ledger: failed to publish event",
			"type", event.Type,
			"user_id", event.UserID,
			"reservation_id", event.ReservationID,
			"error", err,
		)
	}
}

var _ Ledger = (*PublishingLedger)(nil)
