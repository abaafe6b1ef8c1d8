package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tradeboard/internal/config"
	"tradeboard/internal/model"
	"tradeboard/internal/repository"

	"gorm.io/gorm"
)

// ViewService 付费查看联系方式和标记成交
type ViewService struct {
	*core
}

func NewViewService(db *gorm.DB, cfg *config.Config, opts Options) *ViewService {
	return &ViewService{core: newCore(db, cfg, opts)}
}

// ViewMeta 查看请求附带的客户端信息
type ViewMeta struct {
	IPAddress string
	UserAgent string
}

type ViewContactResult struct {
	WechatID      string `json:"wechat_id"`
	Viewed        bool   `json:"viewed"` // true 表示之前已查看过，本次未扣分
	PointsCost    int64  `json:"points_cost"`
	PointsBalance int64  `json:"points_balance"`
}

// ViewContact 首次查看扣 1 分，重复查看直接返回已记录的联系方式
//
// 先插入 PostView（唯一索引 post_id+user_id，冲突时什么都不做），
// 插入成功的请求才继续加查看次数并扣分；并发的第二个请求插入影响 0 行，走幂等分支。
// 扣分失败时整个事务回滚，查看记录一起撤销。
func (s *ViewService) ViewContact(ctx context.Context, actor Actor, postID int64, meta ViewMeta) (*ViewContactResult, error) {
	if err := s.checkMember(actor); err != nil {
		return nil, err
	}

	unlock, err := s.lockUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	cost := s.biz.ViewCost
	result := &ViewContactResult{}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		post, err := s.postRepo.GetByID(ctx, tx, postID)
		if err != nil {
			return translateRepoErr(err, postID)
		}
		if !post.IsViewable(now) {
			return newValidationError("交易信息不存在或已下架")
		}
		if post.UserID == actor.UserID {
			return newValidationError("不能查看自己发布的信息")
		}

		existing, err := s.viewRepo.GetByPostAndUser(ctx, tx, postID, actor.UserID)
		if err == nil {
			return s.fillRepeated(ctx, tx, result, existing)
		}
		if !errors.Is(err, repository.ErrViewNotFound) {
			return fmt.Errorf("查询查看记录失败: %w", err)
		}

		if post.ViewCount >= post.ViewLimit {
			return newValidationError("该信息查看次数已达上限")
		}

		owner, err := s.userRepo.GetByID(ctx, tx, post.UserID)
		if err != nil {
			return translateRepoErr(err, post.UserID)
		}

		view := &model.PostView{
			PostID:    postID,
			UserID:    actor.UserID,
			WechatID:  owner.WechatID,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
		}
		created, err := s.viewRepo.CreateIfAbsent(ctx, tx, view)
		if err != nil {
			return fmt.Errorf("创建查看记录失败: %w", err)
		}
		if !created {
			// 并发请求已写入，按重复查看处理
			existing, err := s.viewRepo.GetByPostAndUserForShare(ctx, tx, postID, actor.UserID)
			if err != nil {
				return fmt.Errorf("查询查看记录失败: %w", err)
			}
			return s.fillRepeated(ctx, tx, result, existing)
		}

		if err := s.postRepo.IncrementViewCount(ctx, tx, postID, now); err != nil {
			return translateRepoErr(err, postID)
		}

		if err := s.deduct(ctx, tx, actor.UserID, cost, nil); err != nil {
			return err
		}

		trans, err := s.appendLedger(ctx, tx, actor.UserID, model.ChangeTypeView, -cost, int64Ptr(postID), "查看联系方式")
		if err != nil {
			return err
		}

		result.WechatID = view.WechatID
		result.Viewed = false
		result.PointsCost = cost
		result.PointsBalance = trans.BalanceAfter

		return s.emit(ctx, tx, s.topics.ListingEvent, model.EventPostViewed, map[string]interface{}{
			"post_id":   postID,
			"viewer_id": actor.UserID,
			"owner_id":  post.UserID,
			"cost":      cost,
		})
	})
	if err != nil {
		return nil, err
	}

	if result.PointsCost > 0 {
		s.invalidateFeed()
	}
	s.log.Info("查看联系方式",
		slog.Int64("user_id", actor.UserID),
		slog.Int64("post_id", postID),
		slog.Bool("repeated", result.Viewed),
		slog.Int64("amount", -result.PointsCost),
	)
	return result, nil
}

func (s *ViewService) fillRepeated(ctx context.Context, tx *gorm.DB, result *ViewContactResult, view *model.PostView) error {
	balance, err := s.userRepo.Points(ctx, tx, view.UserID)
	if err != nil {
		return translateRepoErr(err, view.UserID)
	}
	result.WechatID = view.WechatID
	result.Viewed = true
	result.PointsCost = 0
	result.PointsBalance = balance
	return nil
}

type MarkDealResult struct {
	PostID   int64   `json:"post_id,string"`
	IsDealt  bool    `json:"is_dealt"`
	DealRate float64 `json:"deal_rate"` // 发布者最新成交率
}

// MarkDeal 查看者标记成交，只允许未成交 -> 已成交一次
// 成交后按发布者名下所有信息重新汇总 totalDeals 和 dealRate
func (s *ViewService) MarkDeal(ctx context.Context, actor Actor, postID int64, isDealt bool) (*MarkDealResult, error) {
	if err := s.checkMember(actor); err != nil {
		return nil, err
	}

	// 发布者不会变，事务外先取出来，事务内第一步锁发布者行
	post, err := s.postRepo.GetByID(ctx, nil, postID)
	if err != nil {
		return nil, translateRepoErr(err, postID)
	}
	ownerID := post.UserID

	result := &MarkDealResult{PostID: postID, IsDealt: isDealt}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.lockOwnerRow(ctx, tx, ownerID); err != nil {
			return err
		}

		view, err := s.viewRepo.GetByPostAndUser(ctx, tx, postID, actor.UserID)
		if err != nil {
			return translateRepoErr(err, postID)
		}
		if view.IsDealt {
			return newValidationError("已标记过成交状态")
		}
		if !isDealt {
			return newValidationError("当前已是未成交状态")
		}

		// 并发标记时只有一个能把 is_dealt 从 false 改成 true
		if err := s.viewRepo.MarkDealt(ctx, tx, view.ID, s.now()); err != nil {
			return translateRepoErr(err, postID)
		}
		if err := s.postRepo.IncrementDealCount(ctx, tx, postID); err != nil {
			return translateRepoErr(err, postID)
		}

		rate, err := s.refreshDealStats(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		result.DealRate = rate

		return s.emit(ctx, tx, s.topics.ListingEvent, model.EventPostDealt, map[string]interface{}{
			"post_id":   postID,
			"viewer_id": actor.UserID,
			"owner_id":  ownerID,
			"deal_rate": rate,
		})
	})
	if err != nil {
		return nil, err
	}

	s.invalidateFeed()
	s.log.Info("标记成交",
		slog.Int64("user_id", actor.UserID),
		slog.Int64("post_id", postID),
		slog.Int64("owner_id", ownerID),
		slog.Float64("deal_rate", result.DealRate),
	)
	return result, nil
}

// ListPostViews 某条信息的查看记录，只有发布者和管理员可见
func (s *ViewService) ListPostViews(ctx context.Context, actor Actor, postID int64, page, limit int) (*Page[*model.PostView], error) {
	page, limit, err := s.normalizePage(page, limit)
	if err != nil {
		return nil, err
	}
	post, err := s.postRepo.GetByID(ctx, nil, postID)
	if err != nil {
		return nil, translateRepoErr(err, postID)
	}
	if !actor.IsAdmin && post.UserID != actor.UserID {
		return nil, newValidationError("交易信息不存在或无权限查看")
	}

	views, total, err := s.viewRepo.ListByPostID(ctx, postID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("查询查看记录失败: %w", err)
	}
	return newPage(views, total, page, limit), nil
}

// ListMyViews 我查看过的联系方式
func (s *ViewService) ListMyViews(ctx context.Context, actor Actor, page, limit int) (*Page[*model.PostView], error) {
	if actor.UserID <= 0 {
		return nil, newValidationError("未登录")
	}
	page, limit, err := s.normalizePage(page, limit)
	if err != nil {
		return nil, err
	}

	views, total, err := s.viewRepo.ListByUserID(ctx, actor.UserID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("查询查看记录失败: %w", err)
	}
	return newPage(views, total, page, limit), nil
}
