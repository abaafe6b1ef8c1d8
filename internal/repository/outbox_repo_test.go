package repository

import (
	"context"
	"testing"

	"tradeboard/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxRepository_RecordFailureMarksFailedAtMaxRetry(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)
	msg := &model.OutboxMessage{
		MessageKey: "EVT1",
		Topic:      "tradeboard.listing",
		EventType:  model.EventPostPublished,
		Payload:    `{"post_id":1}`,
		Status:     model.OutboxStatusPending,
	}
	require.NoError(t, repo.Create(ctx, nil, msg))

	require.NoError(t, repo.RecordFailure(ctx, msg.ID, 2))
	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	require.NoError(t, repo.RecordFailure(ctx, msg.ID, 2))
	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := repo.GetFailedMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].RetryCount)

	require.NoError(t, repo.Requeue(ctx, msg.ID))
	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].RetryCount)

	// 已经回到 PENDING 的消息不能重复放回
	assert.ErrorIs(t, repo.Requeue(ctx, msg.ID), ErrOutboxNotFailed)
	assert.ErrorIs(t, repo.Requeue(ctx, 999999), ErrOutboxNotFailed)

	got, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPending, got.Status)
	_, err = repo.GetByID(ctx, 999999)
	assert.ErrorIs(t, err, ErrOutboxNotFound)
}

func TestOutboxRepository_MarkAsSent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)
	msg := &model.OutboxMessage{MessageKey: "EVT2", Topic: "t", EventType: model.EventUserCreated, Payload: "{}", Status: model.OutboxStatusPending}
	require.NoError(t, repo.Create(ctx, nil, msg))

	require.NoError(t, repo.MarkAsSent(ctx, msg.ID))

	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
