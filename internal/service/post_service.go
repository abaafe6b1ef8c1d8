package service

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"tradeboard/internal/config"
	"tradeboard/internal/model"
	"tradeboard/internal/repository"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	maxTitleLen     = 100
	maxKeywordsLen  = 200
	maxExtraInfoLen = 100
)

// PostService 交易信息的发布、编辑、状态切换和删除退款
type PostService struct {
	*core
	sanitizer *bluemonday.Policy
}

func NewPostService(db *gorm.DB, cfg *config.Config, opts Options) *PostService {
	return &PostService{
		core:      newCore(db, cfg, opts),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

type PublishRequest struct {
	Title        string          `json:"title"`
	Keywords     string          `json:"keywords"`
	Price        decimal.Decimal `json:"price"`
	TradeType    string          `json:"trade_type"`
	DeliveryDate *time.Time      `json:"delivery_date"`
	ExtraInfo    string          `json:"extra_info"`
}

type PublishResult struct {
	Post          *model.Post `json:"post"`
	PointsCost    int64       `json:"points_cost"`
	PointsBalance int64       `json:"points_balance"`
}

// Listing 对外展示的交易信息，Status 为按当前时间计算后的有效状态
type Listing struct {
	*model.Post
	Status          string  `json:"status"`
	RemainingViews  int     `json:"remaining_views"`
	OwnerDealRate   float64 `json:"owner_deal_rate"`
	OwnerTotalPosts int     `json:"owner_total_posts"`
	OwnerTotalDeals int     `json:"owner_total_deals"`
}

func newListing(post *model.Post, now time.Time, owner repository.OwnerStats) *Listing {
	return &Listing{
		Post:            post,
		Status:          post.EffectiveStatus(now),
		RemainingViews:  post.RemainingViews(),
		OwnerDealRate:   owner.DealRate,
		OwnerTotalPosts: owner.TotalPosts,
		OwnerTotalDeals: owner.TotalDeals,
	}
}

// clean 去掉 HTML 标签后还原实体，保存纯文本
func (s *PostService) clean(v string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(v)))
}

// validate 清洗并校验发布/编辑的字段，不合法时不做任何写入
func (s *PostService) validate(req *PublishRequest, now time.Time) (*PublishRequest, error) {
	if req == nil {
		return nil, newValidationError("请求不能为空")
	}
	out := &PublishRequest{
		Title:        s.clean(req.Title),
		Keywords:     s.clean(req.Keywords),
		Price:        req.Price,
		TradeType:    strings.ToUpper(strings.TrimSpace(req.TradeType)),
		DeliveryDate: req.DeliveryDate,
		ExtraInfo:    s.clean(req.ExtraInfo),
	}

	if n := utf8.RuneCountInString(out.Title); n == 0 || n > maxTitleLen {
		return nil, newValidationError("标题长度必须在 1-%d 个字符之间", maxTitleLen)
	}
	if n := utf8.RuneCountInString(out.Keywords); n == 0 || n > maxKeywordsLen {
		return nil, newValidationError("关键词长度必须在 1-%d 个字符之间", maxKeywordsLen)
	}
	if utf8.RuneCountInString(out.ExtraInfo) > maxExtraInfoLen {
		return nil, newValidationError("补充信息不能超过 %d 个字符", maxExtraInfoLen)
	}
	if out.Price.IsNegative() {
		return nil, newValidationError("价格不能为负数")
	}
	if out.Price.GreaterThan(decimal.NewFromFloat(s.biz.MaxPrice)) {
		return nil, newValidationError("价格不能超过 %s", decimal.NewFromFloat(s.biz.MaxPrice).String())
	}
	out.Price = out.Price.Round(2)
	if !model.IsValidTradeType(out.TradeType) {
		return nil, newValidationError("交易类型不合法: %s", req.TradeType)
	}
	if model.RequiresDeliveryDate(out.TradeType) {
		if out.DeliveryDate == nil {
			return nil, newValidationError("做多/做空交易必须填写交割时间")
		}
		if !out.DeliveryDate.After(now) {
			return nil, newValidationError("交割时间必须晚于当前时间")
		}
	}
	return out, nil
}

// Publish 扣除发布积分并创建交易信息，余额检查和扣减是同一条条件 UPDATE
func (s *PostService) Publish(ctx context.Context, actor Actor, req *PublishRequest) (*PublishResult, error) {
	if err := s.checkMember(actor); err != nil {
		return nil, err
	}
	now := s.now()
	fields, err := s.validate(req, now)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cost := s.biz.PublishCost
	post := &model.Post{
		UserID:       actor.UserID,
		Title:        fields.Title,
		Keywords:     fields.Keywords,
		Price:        fields.Price,
		TradeType:    fields.TradeType,
		DeliveryDate: fields.DeliveryDate,
		ExtraInfo:    fields.ExtraInfo,
		ViewLimit:    s.biz.ViewLimit,
		ViewCount:    0,
		DealCount:    0,
		Status:       model.PostStatusActive,
		ExpireAt:     now.Add(time.Duration(s.biz.PostTTLHours) * time.Hour),
	}

	var trans *model.PointTransaction
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.deduct(ctx, tx, actor.UserID, cost, map[string]interface{}{
			"total_posts": gorm.Expr("total_posts + 1"),
		}); err != nil {
			return err
		}

		if err := s.postRepo.Create(ctx, tx, post); err != nil {
			return fmt.Errorf("创建交易信息失败: %w", err)
		}

		trans, err = s.appendLedger(ctx, tx, actor.UserID, model.ChangeTypePublish, -cost, int64Ptr(post.ID), "发布交易信息")
		if err != nil {
			return err
		}

		return s.emit(ctx, tx, s.topics.ListingEvent, model.EventPostPublished, map[string]interface{}{
			"post_id":    post.ID,
			"user_id":    actor.UserID,
			"trade_type": post.TradeType,
			"price":      post.Price.String(),
			"expire_at":  post.ExpireAt.Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, err
	}

	s.invalidateFeed()
	s.log.Info("发布交易信息",
		slog.Int64("user_id", actor.UserID),
		slog.Int64("post_id", post.ID),
		slog.Int64("amount", -cost),
		slog.Int64("balance_after", trans.BalanceAfter),
	)

	return &PublishResult{
		Post:          post,
		PointsCost:    cost,
		PointsBalance: trans.BalanceAfter,
	}, nil
}

// UpdatePost 发布者编辑仍在有效期内的信息，不涉及积分；管理员只能下架或删除
func (s *PostService) UpdatePost(ctx context.Context, actor Actor, postID int64, req *PublishRequest) (*model.Post, error) {
	if err := s.checkMember(actor); err != nil {
		return nil, err
	}
	now := s.now()
	fields, err := s.validate(req, now)
	if err != nil {
		return nil, err
	}

	var updated *model.Post
	err = s.db.Transaction(func(tx *gorm.DB) error {
		post, err := s.postRepo.GetByIDForUpdate(ctx, tx, postID)
		if err != nil {
			return translateRepoErr(err, postID)
		}
		if post.UserID != actor.UserID {
			return newValidationError("交易信息不存在或无权限修改")
		}
		if !post.IsViewable(now) {
			return newValidationError("只能编辑有效期内的交易信息")
		}

		if err := s.postRepo.UpdateFields(ctx, tx, postID, map[string]interface{}{
			"title":         fields.Title,
			"keywords":      fields.Keywords,
			"price":         fields.Price,
			"trade_type":    fields.TradeType,
			"delivery_date": fields.DeliveryDate,
			"extra_info":    fields.ExtraInfo,
		}); err != nil {
			return translateRepoErr(err, postID)
		}

		updated, err = s.postRepo.GetByID(ctx, tx, postID)
		if err != nil {
			return err
		}

		return s.emit(ctx, tx, s.topics.ListingEvent, model.EventPostUpdated, map[string]interface{}{
			"post_id": postID,
			"user_id": post.UserID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.invalidateFeed()
	return updated, nil
}

// UpdateStatus 上架/下架切换，不退积分；EXPIRED 只由时间产生
func (s *PostService) UpdateStatus(ctx context.Context, actor Actor, postID int64, status string) (*model.Post, error) {
	if err := s.checkActor(actor); err != nil {
		return nil, err
	}
	if status != model.PostStatusActive && status != model.PostStatusDisabled {
		return nil, newValidationError("状态只能是 ACTIVE 或 DISABLED")
	}
	now := s.now()

	var result *model.Post
	changed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		post, err := s.postRepo.GetByIDForUpdate(ctx, tx, postID)
		if err != nil {
			return translateRepoErr(err, postID)
		}
		if !actor.IsAdmin && post.UserID != actor.UserID {
			return newValidationError("交易信息不存在或无权限操作")
		}

		result = post
		if post.Status == status {
			return nil
		}
		if post.Status == model.PostStatusExpired || !now.Before(post.ExpireAt) {
			return newValidationError("交易信息已过期，无法变更状态")
		}

		if err := s.postRepo.UpdateStatus(ctx, tx, postID, post.Status, status); err != nil {
			return translateRepoErr(err, postID)
		}
		from := post.Status
		post.Status = status
		changed = true

		return s.emit(ctx, tx, s.topics.ListingEvent, model.EventPostStatusChanged, map[string]interface{}{
			"post_id":  postID,
			"user_id":  post.UserID,
			"from":     from,
			"to":       status,
			"by_admin": actor.IsAdmin,
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.invalidateFeed()
		s.log.Info("交易信息状态变更",
			slog.Int64("post_id", postID),
			slog.String("status", status),
			slog.Bool("by_admin", actor.IsAdmin),
		)
	}
	return result, nil
}

type DeleteResult struct {
	PostID        int64 `json:"post_id,string"`
	RefundAmount  int64 `json:"refund_amount"`
	PointsBalance int64 `json:"points_balance"`
}

// DeleteListing 删除信息并退还未使用的查看次数，退款进发布者账户
// 管理员删除同样退给发布者
func (s *PostService) DeleteListing(ctx context.Context, actor Actor, postID int64) (*DeleteResult, error) {
	if err := s.checkActor(actor); err != nil {
		return nil, err
	}

	// 发布者不会变，事务外先取出来，加锁和事务内的行锁都以发布者为准
	current, err := s.postRepo.GetByID(ctx, nil, postID)
	if err != nil {
		return nil, translateRepoErr(err, postID)
	}
	if !actor.IsAdmin && current.UserID != actor.UserID {
		return nil, newValidationError("交易信息不存在或无权限删除")
	}
	ownerID := current.UserID

	unlock, err := s.lockUser(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &DeleteResult{PostID: postID}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.lockOwnerRow(ctx, tx, ownerID); err != nil {
			return err
		}

		post, err := s.postRepo.GetByIDForUpdate(ctx, tx, postID)
		if err != nil {
			return translateRepoErr(err, postID)
		}
		refund := int64(post.RemainingViews()) * s.biz.ViewCost

		if err := s.viewRepo.DeleteByPostID(ctx, tx, postID); err != nil {
			return fmt.Errorf("删除查看记录失败: %w", err)
		}
		if err := s.postRepo.Delete(ctx, tx, postID); err != nil {
			return translateRepoErr(err, postID)
		}

		if refund > 0 {
			if err := s.userRepo.Increase(ctx, tx, ownerID, refund); err != nil {
				return translateRepoErr(err, ownerID)
			}
			trans, err := s.appendLedger(ctx, tx, ownerID, model.ChangeTypeRefund, refund, int64Ptr(postID), "删除交易信息退还积分")
			if err != nil {
				return err
			}
			result.PointsBalance = trans.BalanceAfter
		} else {
			balance, err := s.userRepo.Points(ctx, tx, ownerID)
			if err != nil {
				return translateRepoErr(err, ownerID)
			}
			result.PointsBalance = balance
		}
		result.RefundAmount = refund

		if _, err := s.refreshDealStats(ctx, tx, ownerID); err != nil {
			return err
		}

		return s.emit(ctx, tx, s.topics.ListingEvent, model.EventPostDeleted, map[string]interface{}{
			"post_id":       postID,
			"user_id":       ownerID,
			"refund_amount": refund,
			"by_admin":      actor.IsAdmin,
		})
	})
	if err != nil {
		return nil, err
	}

	s.invalidateFeed()
	s.log.Info("删除交易信息",
		slog.Int64("post_id", postID),
		slog.Int64("user_id", ownerID),
		slog.Int64("amount", result.RefundAmount),
		slog.Bool("by_admin", actor.IsAdmin),
	)
	return result, nil
}

// GetPost 详情，状态按读取时刻计算
func (s *PostService) GetPost(ctx context.Context, postID int64) (*Listing, error) {
	post, err := s.postRepo.GetByID(ctx, nil, postID)
	if err != nil {
		return nil, translateRepoErr(err, postID)
	}
	stats, err := s.userRepo.GetOwnerStats(ctx, []int64{post.UserID})
	if err != nil {
		return nil, fmt.Errorf("查询发布者信息失败: %w", err)
	}
	return newListing(post, s.now(), stats[post.UserID]), nil
}

// ListMyPosts 我的发布，包含已下架和已过期的
func (s *PostService) ListMyPosts(ctx context.Context, actor Actor, page, limit int) (*Page[*Listing], error) {
	if actor.UserID <= 0 {
		return nil, newValidationError("未登录")
	}
	page, limit, err := s.normalizePage(page, limit)
	if err != nil {
		return nil, err
	}

	posts, total, err := s.postRepo.ListByUserID(ctx, actor.UserID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("查询我的发布失败: %w", err)
	}
	stats, err := s.userRepo.GetOwnerStats(ctx, []int64{actor.UserID})
	if err != nil {
		return nil, fmt.Errorf("查询发布者信息失败: %w", err)
	}

	now := s.now()
	items := make([]*Listing, 0, len(posts))
	for _, p := range posts {
		items = append(items, newListing(p, now, stats[actor.UserID]))
	}
	return newPage(items, total, page, limit), nil
}
