// Package executor runs balance-gated actions: reserve the cost, fulfill,
// then commit on success or roll back on failure. Insufficient funds stop the
// flow before any adapter is called.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"tokenmeter/internal/fulfillment"
	"tokenmeter/internal/metrics"
	"tokenmeter/internal/model"
	"tokenmeter/internal/repository"
)

type Catalog interface {
	Lookup(kind model.ActionKind) (model.ActionDescriptor, error)
}

type AdapterRegistry interface {
	Lookup(name string) (fulfillment.Adapter, error)
}

const (
	defaultResolveTimeout = 5 * time.Second
	defaultRetryBase      = 50 * time.Millisecond
	defaultMaxRetries     = 4
)

type Executor struct {
	catalog        Catalog
	ledger         repository.Ledger
	adapters       AdapterRegistry
	resolveTimeout time.Duration
	retryBase      time.Duration
	maxRetries     uint64
}

type Option func(*Executor)

// WithResolveTimeout bounds each commit or rollback, retries included.
func WithResolveTimeout(d time.Duration) Option {
	return func(e *Executor) { e.resolveTimeout = d }
}

func WithRetry(base time.Duration, maxRetries uint64) Option {
	return func(e *Executor) {
		e.retryBase = base
		e.maxRetries = maxRetries
	}
}

func New(catalog Catalog, ledger repository.Ledger, adapters AdapterRegistry, opts ...Option) *Executor {
	e := &Executor{
		catalog:        catalog,
		ledger:         ledger,
		adapters:       adapters,
		resolveTimeout: defaultResolveTimeout,
		retryBase:      defaultRetryBase,
		maxRetries:     defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one metered action for userID. Business outcomes
// (insufficient balance, failed fulfillment) are reported in the result;
// the error return is reserved for unknown kinds, misconfiguration and
// ledger failures.
func (e *Executor) Execute(ctx context.Context, userID string, kind model.ActionKind, payload json.RawMessage) (*model.ExecutionResult, error) {
	descriptor, err := e.catalog.Lookup(kind)
	if err != nil {
		return nil, err
	}
	adapter, err := e.adapters.Lookup(descriptor.Fulfillment)
	if err != nil {
		return nil, fmt.Errorf("%s: %q: %w", kind, descriptor.Fulfillment, err)
	}

	reservation, err := e.ledger.Reserve(ctx, userID, descriptor.Cost)
	var insufficient *model.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		metrics.Executions.WithLabelValues(string(kind), string(model.StatusInsufficientBalance)).Inc()
		current := insufficient.Current
		return &model.ExecutionResult{
			Status:         model.StatusInsufficientBalance,
			CurrentBalance: &current,
			RequiredTokens: insufficient.Required,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}

	start := time.Now()
	result, fulfillErr := e.fulfill(ctx, adapter, descriptor, userID, payload)
	metrics.FulfillmentDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if fulfillErr == nil {
		return e.commit(ctx, descriptor, reservation, result), nil
	}
	return e.rollback(ctx, descriptor, reservation, fulfillErr)
}

func (e *Executor) commit(ctx context.Context, d model.ActionDescriptor, reservation *model.Reservation, payload json.RawMessage) *model.ExecutionResult {
	balance := reservation.BalanceAfter
	committed, err := e.resolve(ctx, "commit", reservation.ID, e.ledger.Commit)
	if err != nil {
		// The action was delivered and the hold already reflects the charge.
		// The reservation stays held until the sweeper resolves it.
		metrics.CommitFailures.WithLabelValues(string(d.Kind)).Inc()
		slog.Error("executor: commit failed after successful fulfillment",
			"kind", d.Kind,
			"reservation_id", reservation.ID,
			"user_id", reservation.UserID,
			"error", err,
		)
	} else {
		balance = committed.BalanceAfter
	}

	metrics.Executions.WithLabelValues(string(d.Kind), string(model.StatusSuccess)).Inc()
	return &model.ExecutionResult{
		Status:        model.StatusSuccess,
		ReservationID: reservation.ID,
		NewBalance:    &balance,
		Payload:       payload,
	}
}

func (e *Executor) rollback(ctx context.Context, d model.ActionDescriptor, reservation *model.Reservation, cause error) (*model.ExecutionResult, error) {
	slog.Warn("executor: fulfillment failed, rolling back",
		"kind", d.Kind,
		"reservation_id", reservation.ID,
		"user_id", reservation.UserID,
		"error", cause,
	)

	rolled, err := e.resolve(ctx, "rollback", reservation.ID, e.ledger.Rollback)
	if err != nil {
		slog.Error("executor: rollback failed, reservation left held",
			"kind", d.Kind,
			"reservation_id", reservation.ID,
			"user_id", reservation.UserID,
			"error", err,
		)
		return nil, fmt.Errorf("rollback reservation %s: %w", reservation.ID, err)
	}

	metrics.Executions.WithLabelValues(string(d.Kind), string(model.StatusFulfillmentFailed)).Inc()
	balance := rolled.BalanceAfter
	return &model.ExecutionResult{
		Status:        model.StatusFulfillmentFailed,
		ReservationID: reservation.ID,
		NewBalance:    &balance,
		Error:         failureMessage(cause),
	}, nil
}

// fulfill calls the adapter under the descriptor's timeout. The executor
// stops waiting at the deadline even if the adapter ignores cancellation;
// the adapter goroutine then finishes in the background.
func (e *Executor) fulfill(ctx context.Context, adapter fulfillment.Adapter, d model.ActionDescriptor, userID string, payload json.RawMessage) (json.RawMessage, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	ctx = fulfillment.WithUser(ctx, userID)

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("adapter %s panicked: %v", d.Fulfillment, r)}
			}
		}()
		out, err := adapter.Fulfill(ctx, payload)
		done <- outcome{payload: out, err: err}
	}()

	select {
	case o := <-done:
		return o.payload, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("adapter %s: %w", d.Fulfillment, ctx.Err())
	}
}

// resolve runs a commit or rollback detached from the caller's cancellation,
// retrying transient store errors with exponential backoff.
func (e *Executor) resolve(ctx context.Context, op, reservationID string, fn func(context.Context, string) (*model.Reservation, error)) (*model.Reservation, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.resolveTimeout)
	defer cancel()

	var resolved *model.Reservation
	backoff := retry.WithMaxRetries(e.maxRetries, retry.NewExponential(e.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := fn(ctx, reservationID)
		if err == nil {
			resolved = r
			return nil
		}
		metrics.LedgerResolveErrors.WithLabelValues(op).Inc()
		if errors.Is(err, model.ErrInvalidReservationState) || errors.Is(err, model.ErrReservationNotFound) {
			slog.Error("executor: reservation sequencing error",
				"op", op,
				"reservation_id", reservationID,
				"error", err,
			)
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func failureMessage(err error) string {
	var providerErr *fulfillment.ProviderError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "fulfillment timed out"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.Is(err, fulfillment.ErrAlreadyUnlocked):
		return fulfillment.ErrAlreadyUnlocked.Error()
	case errors.Is(err, fulfillment.ErrInvalidPayload):
		return err.Error()
	case errors.As(err, &providerErr):
		return fmt.Sprintf("%s provider unavailable", providerErr.Provider)
	default:
		return "fulfillment failed"
	}
}
