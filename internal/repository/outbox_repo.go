package repository

import (
	"context"
	"errors"

	"tradeboard/internal/model"

	"gorm.io/gorm"
)

var (
	ErrOutboxNotFound  = errors.New("消息不存在")
	ErrOutboxNotFailed = errors.New("消息不是失败状态")
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create 和业务数据写在同一个事务里
func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(msg).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Update("status", model.OutboxStatusSent).Error
}

// RecordFailure 投递失败 +1，达到 maxRetry 后转为 FAILED，不再自动重试
func (r *OutboxRepository) RecordFailure(ctx context.Context, id int64, maxRetry int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.OutboxMessage{}).
			Where("id = ? AND status = ?", id, model.OutboxStatusPending).
			UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
		if err != nil {
			return err
		}
		return tx.Model(&model.OutboxMessage{}).
			Where("id = ? AND status = ? AND retry_count >= ?", id, model.OutboxStatusPending, maxRetry).
			Update("status", model.OutboxStatusFailed).Error
	})
}

func (r *OutboxRepository) GetFailedMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusFailed).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) GetByID(ctx context.Context, id int64) (*model.OutboxMessage, error) {
	var msg model.OutboxMessage
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOutboxNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// Requeue 人工把 FAILED 消息放回队列，其它状态返回 ErrOutboxNotFailed
func (r *OutboxRepository) Requeue(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusFailed).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusPending,
			"retry_count": 0,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOutboxNotFailed
	}
	return nil
}
