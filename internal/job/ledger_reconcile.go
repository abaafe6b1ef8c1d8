package job

import (
	"context"
	"log/slog"
	"time"

	"tradeboard/internal/config"
	"tradeboard/internal/repository"
	"tradeboard/internal/service"

	"gorm.io/gorm"
)

// LedgerReconcileJob 定期对账，发现余额与流水不一致时报警
// 平时只比对合计和最后一条流水，每 fullEvery 轮逐行回放一次
// 只记录，不自动修复，修复走后台调整
type LedgerReconcileJob struct {
	userRepo     *repository.UserRepository
	pointService *service.PointService
	log          *slog.Logger
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
	fullEvery    int
}

func NewLedgerReconcileJob(db *gorm.DB, cfg *config.Config, pointService *service.PointService, log *slog.Logger) *LedgerReconcileJob {
	interval := time.Duration(cfg.Business.ReconcileSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &LedgerReconcileJob{
		userRepo:     repository.NewUserRepository(db),
		pointService: pointService,
		log:          log.With(slog.String("job", "LedgerReconcileJob")),
		stopCh:       make(chan struct{}),
		interval:     interval,
		batchSize:    200,
		fullEvery:    6,
	}
}

func (j *LedgerReconcileJob) Start(ctx context.Context) {
	j.log.Info("积分对账任务启动", slog.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	runs := 0

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			runs++
			j.Reconcile(ctx, runs%j.fullEvery == 0)
		}
	}
}

func (j *LedgerReconcileJob) Stop() {
	close(j.stopCh)
}

// Reconcile 全量扫描一遍，返回不一致的用户ID
// full 为 false 时先做快速比对，只有比对不上的用户才逐行回放取明细
func (j *LedgerReconcileJob) Reconcile(ctx context.Context, full bool) []int64 {
	var (
		broken  []int64
		afterID int64
		checked int
	)

	for {
		ids, err := j.userRepo.ListIDsAfter(ctx, afterID, j.batchSize)
		if err != nil {
			j.log.Error("查询用户失败", slog.Any("err", err))
			return broken
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				return broken
			}
			if !full {
				ok, err := j.pointService.CheckBalance(ctx, id)
				if err != nil {
					j.log.Error("对账失败", slog.Int64("user_id", id), slog.Any("err", err))
					continue
				}
				if ok {
					checked++
					continue
				}
			}

			report, err := j.pointService.VerifyLedger(ctx, id)
			if err != nil {
				j.log.Error("对账失败", slog.Int64("user_id", id), slog.Any("err", err))
				continue
			}
			checked++
			if !report.Consistent {
				broken = append(broken, id)
				j.log.Error("积分与流水不一致",
					slog.Int64("user_id", id),
					slog.Int64("points", report.Points),
					slog.Int64("ledger_sum", report.LedgerSum),
					slog.Any("broken_at", report.BrokenAt),
				)
			}
		}
		afterID = ids[len(ids)-1]
	}

	j.log.Info("对账完成", slog.Bool("full", full), slog.Int("checked", checked), slog.Int("broken", len(broken)))
	return broken
}
