package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeter/internal/model"
	"tokenmeter/internal/service"
)

type journalService struct {
	service.MeterService
	events []model.LedgerEvent
	err    error
}

func (j *journalService) RecordEvent(ctx context.Context, event model.LedgerEvent) error {
	if j.err != nil {
		return j.err
	}
	j.events = append(j.events, event)
	return nil
}

func TestJournalWorker_Handle(t *testing.T) {
	svc := &journalService{}
	w := NewJournalWorker(svc, nil)

	data, err := json.Marshal(model.LedgerEvent{
		ID:            "r1:committed",
		Type:          model.EventCommitted,
		UserID:        "alice",
		ReservationID: "r1",
		Amount:        2,
		BalanceAfter:  8,
		OccurredAt:    time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, w.handle(context.Background(), data))
	require.Len(t, svc.events, 1)
	assert.Equal(t, int64(8), svc.events[0].BalanceAfter)

	assert.Error(t, w.handle(context.Background(), []byte("{")))
	assert.Error(t, w.handle(context.Background(), []byte(`{"id":"x"}`)))
	assert.Len(t, svc.events, 1)

	svc.err = errors.New("db down")
	assert.Error(t, w.handle(context.Background(), data))
}
