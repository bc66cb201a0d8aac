package cron

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/stayledger/internal/testutil"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/enums"
)

func TestDLQRedriveJobRequeuesFlaggedEntries(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	parked := models.OutboxEvent{
		JournalID:     uuid.New(),
		EventType:     enums.EventInventoryReserved,
		AggregateType: enums.AggregateLedgerRow,
		AggregateID:   uuid.New(),
		Topic:         "inventory-events",
		Payload:       json.RawMessage(`{}`),
		AttemptCount:  10,
	}
	other := parked
	other.JournalID = uuid.New()
	require.NoError(t, h.Client.DB().Create(&parked).Error)
	require.NoError(t, h.Client.DB().Create(&other).Error)

	for _, ev := range []models.OutboxEvent{parked, other} {
		err := h.Client.DB().Create(&models.OutboxDLQ{
			EventID:       ev.ID,
			EventType:     ev.EventType,
			AggregateType: ev.AggregateType,
			AggregateID:   ev.AggregateID,
			Topic:         ev.Topic,
			Payload:       ev.Payload,
			ErrorReason:   enums.OutboxDLQReasonRetryBudget,
			AttemptCount:  10,
			FailedAt:      time.Now().UTC(),
		}).Error
		require.NoError(t, err)
	}
	require.NoError(t, h.DLQ.RequestRedrive(ctx, parked.ID))

	job, err := NewDLQRedriveJob(DLQRedriveJobParams{
		Logger: quietLogger(),
		DB:     h.Client,
		DLQ:    h.DLQ,
		Outbox: h.Outbox,
	})
	require.NoError(t, err)
	require.NoError(t, job.Run(ctx))

	row, err := h.Outbox.FindByID(ctx, parked.ID)
	require.NoError(t, err)
	require.Equal(t, 0, row.AttemptCount)
	require.Nil(t, row.LastError)

	gone, err := h.DLQ.FindByEventID(ctx, parked.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	untouched, err := h.Outbox.FindByID(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, 10, untouched.AttemptCount)
	stillParked, err := h.DLQ.FindByEventID(ctx, other.ID)
	require.NoError(t, err)
	require.NotNil(t, stillParked)
}
