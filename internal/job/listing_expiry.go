package job

import (
	"context"
	"log/slog"
	"time"

	"tradeboard/internal/config"
	"tradeboard/internal/repository"

	"gorm.io/gorm"
)

// ListingExpirySweep 把已到期的 ACTIVE 信息写成 EXPIRED
// 读路径始终按 expire_at 判断有效状态，这个任务只是让 status 字段跟上
type ListingExpirySweep struct {
	postRepo  *repository.PostRepository
	log       *slog.Logger
	now       func() time.Time
	onChange  func()
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

// NewListingExpirySweep onChange 在有记录被改写后调用，可为 nil
func NewListingExpirySweep(db *gorm.DB, cfg *config.Config, log *slog.Logger, onChange func()) *ListingExpirySweep {
	interval := time.Duration(cfg.Business.ExpirySweepSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &ListingExpirySweep{
		postRepo:  repository.NewPostRepository(db),
		log:       log.With(slog.String("job", "ListingExpirySweep")),
		now:       time.Now,
		onChange:  onChange,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 500,
	}
}

func (j *ListingExpirySweep) Start(ctx context.Context) {
	j.log.Info("过期清理任务启动", slog.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

func (j *ListingExpirySweep) Stop() {
	close(j.stopCh)
}

// Sweep 分批改写，直到一批不满为止，返回改写总数
func (j *ListingExpirySweep) Sweep(ctx context.Context) int64 {
	now := j.now()
	var total int64
	for {
		n, err := j.postRepo.ExpireOverdue(ctx, now, j.batchSize)
		if err != nil {
			j.log.Error("改写过期信息失败", slog.Any("err", err))
			break
		}
		total += n
		if n < int64(j.batchSize) {
			break
		}
	}

	if total > 0 {
		j.log.Info("本次标记过期信息", slog.Int64("count", total))
		if j.onChange != nil {
			j.onChange()
		}
	}
	return total
}
