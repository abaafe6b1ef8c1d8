package job

import (
	"context"
	"errors"
	"testing"

	"tradeboard/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic, key, value string) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	return m.Called().Error(0)
}

func TestOutboxSender_ProcessPending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	first := insertOutbox(t, db, "EVT1")
	second := insertOutbox(t, db, "EVT2")

	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, "test.listing", "EVT1", `{"post_id":1}`).Return(nil).Once()
	pub.On("Publish", mock.Anything, "test.listing", "EVT2", mock.Anything).Return(errors.New("broker down")).Once()

	sender := NewOutboxSender(db, testConfig(), pub, discardLogger())
	sent := sender.ProcessPending(ctx)
	assert.Equal(t, 1, sent)
	pub.AssertExpectations(t)

	var got model.OutboxMessage
	require.NoError(t, db.First(&got, first.ID).Error)
	assert.Equal(t, model.OutboxStatusSent, got.Status)

	var got2 model.OutboxMessage
	require.NoError(t, db.First(&got2, second.ID).Error)
	assert.Equal(t, model.OutboxStatusPending, got2.Status)
	assert.Equal(t, 1, got2.RetryCount)
}

func TestOutboxSender_GivesUpAfterMaxRetry(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	msg := insertOutbox(t, db, "EVT1")

	cfg := testConfig()
	cfg.Business.OutboxMaxRetry = 3

	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	sender := NewOutboxSender(db, cfg, pub, discardLogger())
	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, sender.ProcessPending(ctx))
	}
	// 标记为失败后不再投递
	pub.AssertNumberOfCalls(t, "Publish", 3)

	var got model.OutboxMessage
	require.NoError(t, db.First(&got, msg.ID).Error)
	assert.Equal(t, model.OutboxStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestOutboxSender_StopsOnSignal(t *testing.T) {
	db := setupTestDB(t)
	pub := new(mockPublisher)
	sender := NewOutboxSender(db, testConfig(), pub, discardLogger())

	done := make(chan struct{})
	go func() {
		sender.Start(context.Background())
		close(done)
	}()
	sender.Stop()
	<-done
}
