package service

import (
	"context"
	"fmt"
	"log/slog"

	"tradeboard/internal/config"
	"tradeboard/internal/model"

	"gorm.io/gorm"
)

// OutboxService 后台查看投递失败的事件并手动放回队列
type OutboxService struct {
	*core
}

func NewOutboxService(db *gorm.DB, cfg *config.Config, opts Options) *OutboxService {
	return &OutboxService{core: newCore(db, cfg, opts)}
}

// ListFailed 按写入顺序返回重试次数用完的消息
func (s *OutboxService) ListFailed(ctx context.Context, actor Actor, limit int) ([]*model.OutboxMessage, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	_, limit, err := s.normalizePage(1, limit)
	if err != nil {
		return nil, err
	}

	messages, err := s.outboxRepo.GetFailedMessages(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("查询失败消息失败: %w", err)
	}
	return messages, nil
}

// Requeue 把 FAILED 消息改回 PENDING 并清零重试次数，由 OutboxSender 下一轮投递
func (s *OutboxService) Requeue(ctx context.Context, actor Actor, id int64) (*model.OutboxMessage, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	msg, err := s.outboxRepo.GetByID(ctx, id)
	if err != nil {
		return nil, translateRepoErr(err, id)
	}
	if err := s.outboxRepo.Requeue(ctx, id); err != nil {
		return nil, translateRepoErr(err, id)
	}

	s.log.Info("失败消息重新入队",
		slog.Int64("outbox_id", id),
		slog.String("event_type", msg.EventType),
		slog.Int("retry_count", msg.RetryCount),
	)
	msg.Status = model.OutboxStatusPending
	msg.RetryCount = 0
	return msg, nil
}
