package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"tradeboard/internal/config"
	"tradeboard/internal/model"
	"tradeboard/internal/repository"

	"gorm.io/gorm"
)

// PointService 余额查询、积分流水、充值和后台调整
type PointService struct {
	*core
}

func NewPointService(db *gorm.DB, cfg *config.Config, opts Options) *PointService {
	return &PointService{core: newCore(db, cfg, opts)}
}

type Balance struct {
	UserID     int64   `json:"user_id,string"`
	Points     int64   `json:"points"`
	DealRate   float64 `json:"deal_rate"`
	TotalPosts int     `json:"total_posts"`
	TotalDeals int     `json:"total_deals"`
}

func (s *PointService) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	user, err := s.userRepo.GetByID(ctx, nil, userID)
	if err != nil {
		return nil, translateRepoErr(err, userID)
	}
	return &Balance{
		UserID:     user.ID,
		Points:     user.Points,
		DealRate:   user.DealRate,
		TotalPosts: user.TotalPosts,
		TotalDeals: user.TotalDeals,
	}, nil
}

// ListTransactions 积分流水，新的在前
func (s *PointService) ListTransactions(ctx context.Context, userID int64, page, limit int) (*Page[*model.PointTransaction], error) {
	page, limit, err := s.normalizePage(page, limit)
	if err != nil {
		return nil, err
	}
	list, total, err := s.ledgerRepo.ListByUserID(ctx, userID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("查询积分流水失败: %w", err)
	}
	return newPage(list, total, page, limit), nil
}

// AdminAdjust 后台调整积分，delta 可正可负，调整后余额不能为负
func (s *PointService) AdminAdjust(ctx context.Context, actor Actor, userID int64, delta int64, description string) (*model.PointTransaction, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	description = strings.TrimSpace(description)
	if delta == 0 {
		return nil, newValidationError("调整积分不能为 0")
	}
	if description == "" {
		return nil, newValidationError("调整说明不能为空")
	}

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var trans *model.PointTransaction
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.userRepo.Adjust(ctx, tx, userID, delta); err != nil {
			if errors.Is(err, repository.ErrPointsNotEnough) {
				available, readErr := s.userRepo.Points(ctx, tx, userID)
				if readErr != nil {
					return readErr
				}
				return &InsufficientPointsError{UserID: userID, Required: -delta, Available: available}
			}
			return translateRepoErr(err, userID)
		}

		trans, err = s.appendLedger(ctx, tx, userID, model.ChangeTypeAdminAdjust, delta, nil, description)
		if err != nil {
			return err
		}

		return s.emit(ctx, tx, s.topics.LedgerEvent, model.EventPointsAdjusted, map[string]interface{}{
			"user_id":        userID,
			"amount":         delta,
			"balance_after":  trans.BalanceAfter,
			"transaction_no": trans.TransactionNo,
			"operator_id":    actor.UserID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("后台调整积分",
		slog.Int64("user_id", userID),
		slog.Int64("amount", delta),
		slog.Int64("operator_id", actor.UserID),
		slog.String("description", description),
	)
	return trans, nil
}

// Recharge 管理员确认充值后入账
func (s *PointService) Recharge(ctx context.Context, actor Actor, userID int64, amount int64, reference string) (*model.PointTransaction, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, newValidationError("充值积分必须大于 0")
	}

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	description := "积分充值"
	if ref := strings.TrimSpace(reference); ref != "" {
		description = fmt.Sprintf("积分充值-%s", ref)
	}

	var trans *model.PointTransaction
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.userRepo.Increase(ctx, tx, userID, amount); err != nil {
			return translateRepoErr(err, userID)
		}

		trans, err = s.appendLedger(ctx, tx, userID, model.ChangeTypeRecharge, amount, nil, description)
		if err != nil {
			return err
		}

		return s.emit(ctx, tx, s.topics.LedgerEvent, model.EventPointsRecharged, map[string]interface{}{
			"user_id":        userID,
			"amount":         amount,
			"balance_after":  trans.BalanceAfter,
			"transaction_no": trans.TransactionNo,
			"reference":      reference,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("积分充值", slog.Int64("user_id", userID), slog.Int64("amount", amount))
	return trans, nil
}

// LedgerReport 余额和流水的对账结果
type LedgerReport struct {
	UserID           int64  `json:"user_id,string"`
	Points           int64  `json:"points"`
	LedgerSum        int64  `json:"ledger_sum"`
	LastBalanceAfter *int64 `json:"last_balance_after"`
	Entries          int    `json:"entries"`
	BrokenAt         *int64 `json:"broken_at,omitempty,string"` // 第一条 balance_after 与累计值不符的流水ID
	Consistent       bool   `json:"consistent"`
}

// CheckBalance 快速对账：只比对流水合计和最后一条 balance_after，不逐行回放
// 中间某行 balance_after 被改但合计不变的情况只有 VerifyLedger 能发现
func (s *PointService) CheckBalance(ctx context.Context, userID int64) (bool, error) {
	user, err := s.userRepo.GetByID(ctx, nil, userID)
	if err != nil {
		return false, translateRepoErr(err, userID)
	}
	sum, err := s.ledgerRepo.SumByUserID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("汇总积分流水失败: %w", err)
	}
	latest, err := s.ledgerRepo.GetLatestByUserID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("查询最新流水失败: %w", err)
	}
	if latest == nil {
		return sum == 0 && user.Points == 0, nil
	}
	return sum == user.Points && latest.BalanceAfter == user.Points, nil
}

// VerifyLedger 按写入顺序回放流水，检查累计和与每行 balance_after
func (s *PointService) VerifyLedger(ctx context.Context, userID int64) (*LedgerReport, error) {
	user, err := s.userRepo.GetByID(ctx, nil, userID)
	if err != nil {
		return nil, translateRepoErr(err, userID)
	}
	entries, err := s.ledgerRepo.ListAllByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询积分流水失败: %w", err)
	}

	report := &LedgerReport{UserID: userID, Points: user.Points, Entries: len(entries)}
	var running int64
	for _, e := range entries {
		running += e.ChangeAmount
		if report.BrokenAt == nil && e.BalanceAfter != running {
			report.BrokenAt = int64Ptr(e.ID)
		}
	}
	report.LedgerSum = running
	if n := len(entries); n > 0 {
		report.LastBalanceAfter = int64Ptr(entries[n-1].BalanceAfter)
	}

	report.Consistent = report.BrokenAt == nil && running == user.Points &&
		(report.LastBalanceAfter == nil && user.Points == 0 ||
			report.LastBalanceAfter != nil && *report.LastBalanceAfter == user.Points)
	return report, nil
}
