package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tokenmeter/internal/model"
	"tokenmeter/internal/service"
)

const journalQueueGroup = "journal_group"

// JournalWorker listens on the ledger events topic and persists every event
// into the Postgres journal.
type JournalWorker struct {
	svc      service.MeterService
	natsConn *nats.Conn
}

func NewJournalWorker(svc service.MeterService, nc *nats.Conn) *JournalWorker {
	return &JournalWorker{
		svc:      svc,
		natsConn: nc,
	}
}

// Run subscribes to the events topic and blocks until ctx is cancelled.
func (w *JournalWorker) Run(ctx context.Context) error {
	// QueueSubscribe spreads events across replicas; each event reaches one worker.
	sub, err := w.natsConn.QueueSubscribe(model.LedgerEventsTopic, journalQueueGroup, func(m *nats.Msg) {
		_ = w.handle(ctx, m.Data)
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("Journal worker is running", "topic", model.LedgerEventsTopic)

	// Wait for shutdown signal.
	<-ctx.Done()

	slog.Info("Worker received shutdown signal, draining subscription...")
	// Close subscription gracefully, waiting for current processing to complete.
	return sub.Drain()
}

func (w *JournalWorker) handle(ctx context.Context, data []byte) error {
	var event model.LedgerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Error("worker: failed to unmarshal nats message", "error", err)
		return err
	}
	if event.ID == "" || event.UserID == "" {
		slog.Error("worker: dropping malformed ledger event", "event_id", event.ID)
		return fmt.Errorf("malformed event %q", event.ID)
	}

	if err := w.svc.RecordEvent(ctx, event); err != nil {
		slog.Error("worker: failed to journal ledger event",
			"event_id", event.ID,
			"user_id", event.UserID,
			"error", err,
		)
		return err
	}

	slog.Debug("worker: ledger event journaled",
		"event_id", event.ID,
		"type", event.Type,
		"user_id", event.UserID,
	)
	return nil
}

// Start implements the infrastructure.Server interface.
func (w *JournalWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *JournalWorker) Stop(ctx context.Context) error {
	return nil
}
