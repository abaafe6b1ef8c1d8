package job

import (
	"context"
	"log/slog"
	"time"

	"tradeboard/internal/config"
	"tradeboard/internal/infrastructure/mq"
	"tradeboard/internal/model"
	"tradeboard/internal/repository"

	"gorm.io/gorm"
)

// OutboxSender 把事务内写入的事件投递到消息队列
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	log        *slog.Logger
	maxRetry   int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config, publisher mq.Publisher, log *slog.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		log:        log.With(slog.String("job", "OutboxSender")),
		maxRetry:   cfg.Business.OutboxMaxRetry,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 处理一批待发送消息，返回成功发送的条数
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("查询消息失败", slog.Any("err", err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.log.Error("更新消息状态失败", slog.Int64("id", msg.ID), slog.Any("err", updateErr))
			return false
		}
		s.log.Debug("消息发送成功",
			slog.Int64("id", msg.ID),
			slog.String("topic", msg.Topic),
			slog.String("event_type", msg.EventType),
		)
		return true
	}

	s.log.Warn("消息发送失败", slog.Int64("id", msg.ID), slog.Int("retry_count", msg.RetryCount), slog.Any("err", err))

	if err := s.outboxRepo.RecordFailure(ctx, msg.ID, s.maxRetry); err != nil {
		s.log.Error("记录发送失败次数失败", slog.Int64("id", msg.ID), slog.Any("err", err))
		return false
	}
	if msg.RetryCount+1 >= s.maxRetry {
		s.log.Error("消息超过最大重试次数，标记为失败", slog.Int64("id", msg.ID), slog.String("event_type", msg.EventType))
	}
	return false
}
