package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"tokenmeter/internal/model"
	"tokenmeter/internal/repository"
)

// MeterService defines the business operations of the meter.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on
// the executor or ledger directly.
type MeterService interface {
	Execute(ctx context.Context, req model.ExecuteRequest) (*model.ExecutionResult, error)
	Recharge(ctx context.Context, req model.RechargeRequest) (int64, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	CreateAccount(ctx context.Context, req model.CreateAccountRequest) error
	ListActions() []model.ActionDescriptor
	RecordEvent(ctx context.Context, event model.LedgerEvent) error
}

type Executor interface {
	Execute(ctx context.Context, userID string, kind model.ActionKind, payload json.RawMessage) (*model.ExecutionResult, error)
}

type CatalogLister interface {
	List() []model.ActionDescriptor
}

type Journal interface {
	Record(ctx context.Context, event model.LedgerEvent) error
}

var ErrJournalDisabled = errors.New("event journal is not configured")

type Meter struct {
	executor Executor
	ledger   repository.Ledger
	catalog  CatalogLister
	journal  Journal
}

// NewMeter wires the service. journal may be nil on nodes that do not run
// the journal worker.
func NewMeter(executor Executor, ledger repository.Ledger, catalog CatalogLister, journal Journal) *Meter {
	return &Meter{executor: executor, ledger: ledger, catalog: catalog, journal: journal}
}

func (m *Meter) Execute(ctx context.Context, req model.ExecuteRequest) (*model.ExecutionResult, error) {
	kind := model.ActionKind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	return m.executor.Execute(ctx, req.UserID, kind, req.Payload)
}

func (m *Meter) Recharge(ctx context.Context, req model.RechargeRequest) (int64, error) {
	return m.ledger.Credit(ctx, req.UserID, req.Amount)
}

func (m *Meter) GetBalance(ctx context.Context, userID string) (int64, error) {
	return m.ledger.GetBalance(ctx, userID)
}

func (m *Meter) CreateAccount(ctx context.Context, req model.CreateAccountRequest) error {
	return m.ledger.CreateAccount(ctx, req.UserID, req.InitialAmount)
}

func (m *Meter) ListActions() []model.ActionDescriptor {
	return m.catalog.List()
}

func (m *Meter) RecordEvent(ctx context.Context, event model.LedgerEvent) error {
	if m.journal == nil {
		return ErrJournalDisabled
	}
	return m.journal.Record(ctx, event)
}

var _ MeterService = (*Meter)(nil)
