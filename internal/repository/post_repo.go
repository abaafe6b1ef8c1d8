package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"tradeboard/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPostNotFound      = errors.New("交易信息不存在")
	ErrPostStatusInvalid = errors.New("交易信息状态不合法")
	ErrPostNotViewable   = errors.New("交易信息已下架或已过期")
	ErrViewLimitReached  = errors.New("查看次数已达上限")
)

type PostRepository struct {
	db *gorm.DB
}

func NewPostRepository(db *gorm.DB) *PostRepository {
	return &PostRepository{db: db}
}

func (r *PostRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *PostRepository) Create(ctx context.Context, tx *gorm.DB, post *model.Post) error {
	return r.conn(tx).WithContext(ctx).Create(post).Error
}

func (r *PostRepository) GetByID(ctx context.Context, tx *gorm.DB, postID int64) (*model.Post, error) {
	var post model.Post
	err := r.conn(tx).WithContext(ctx).Where("id = ?", postID).First(&post).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, err
	}
	return &post, nil
}

func (r *PostRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, postID int64) (*model.Post, error) {
	var post model.Post
	err := r.conn(tx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", postID).
		First(&post).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, err
	}
	return &post, nil
}

func (r *PostRepository) Delete(ctx context.Context, tx *gorm.DB, postID int64) error {
	result := r.conn(tx).WithContext(ctx).Where("id = ?", postID).Delete(&model.Post{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPostNotFound
	}
	return nil
}

// UpdateStatus 带前置状态的更新，并发改状态时只有一个成功
func (r *PostRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, postID int64, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrPostStatusInvalid
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Post{}).
		Where("id = ? AND status = ?", postID, fromStatus).
		Update("status", toStatus)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPostStatusInvalid
	}

	return nil
}

// UpdateFields 编辑信息内容，不触碰计数和状态
func (r *PostRepository) UpdateFields(ctx context.Context, tx *gorm.DB, postID int64, fields map[string]interface{}) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Post{}).
		Where("id = ?", postID).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPostNotFound
	}
	return nil
}

// IncrementViewCount 只有在仍可查看且未达上限时才 +1
func (r *PostRepository) IncrementViewCount(ctx context.Context, tx *gorm.DB, postID int64, now time.Time) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Post{}).
		Where("id = ? AND status = ? AND expire_at > ? AND view_count < view_limit", postID, model.PostStatusActive, now).
		UpdateColumn("view_count", gorm.Expr("view_count + 1"))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		post, err := r.GetByID(ctx, tx, postID)
		if err != nil {
			return err
		}
		if !post.IsViewable(now) {
			return ErrPostNotViewable
		}
		return ErrViewLimitReached
	}

	return nil
}

func (r *PostRepository) IncrementDealCount(ctx context.Context, tx *gorm.DB, postID int64) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Post{}).
		Where("id = ?", postID).
		UpdateColumn("deal_count", gorm.Expr("deal_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPostNotFound
	}
	return nil
}

// DealStats 统计某个用户名下的信息数和成交数之和
func (r *PostRepository) DealStats(ctx context.Context, tx *gorm.DB, userID int64) (postCount int64, dealSum int64, err error) {
	var row struct {
		PostCount int64
		DealSum   int64
	}
	err = r.conn(tx).WithContext(ctx).
		Model(&model.Post{}).
		Select("COUNT(*) AS post_count, COALESCE(SUM(deal_count), 0) AS deal_sum").
		Where("user_id = ?", userID).
		Scan(&row).Error
	return row.PostCount, row.DealSum, err
}

func (r *PostRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Post, int64, error) {
	var posts []*model.Post
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Post{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&posts).Error

	return posts, total, err
}

// ExpireOverdue 把已过期但仍为 ACTIVE 的信息改写为 EXPIRED，返回改写条数
func (r *PostRepository) ExpireOverdue(ctx context.Context, now time.Time, limit int) (int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.Post{}).
		Where("status = ? AND expire_at <= ?", model.PostStatusActive, now).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	result := r.db.WithContext(ctx).
		Model(&model.Post{}).
		Where("id IN ? AND status = ? AND expire_at <= ?", ids, model.PostStatusActive, now).
		Update("status", model.PostStatusExpired)
	return result.RowsAffected, result.Error
}

// ============================================================================
// 信息流查询
// ============================================================================

// PostFilter 信息流的筛选条件，Offset/Limit 已由上层规整
type PostFilter struct {
	Keyword   string
	TradeType string
	MinPrice  *decimal.Decimal
	MaxPrice  *decimal.Decimal
	SortBy    string
	SortOrder string
	Now       time.Time
	Offset    int
	Limit     int
}

// sortColumns 允许外部指定的排序字段
var sortColumns = map[string]string{
	"createdAt":  "posts.created_at",
	"created_at": "posts.created_at",
	"price":      "posts.price",
	"viewCount":  "posts.view_count",
	"view_count": "posts.view_count",
	"dealCount":  "posts.deal_count",
	"deal_count": "posts.deal_count",
	"expireAt":   "posts.expire_at",
	"expire_at":  "posts.expire_at",
	"dealRate":   "users.deal_rate",
	"deal_rate":  "users.deal_rate",
}

// IsSortable 排序字段是否在白名单内
func IsSortable(sortBy string) bool {
	_, ok := sortColumns[sortBy]
	return ok
}

// escapeLike 转义 LIKE 通配符，配合 ESCAPE '!' 使用
func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

// Search 只返回 ACTIVE 且未过期的信息
// 默认按发布者成交率降序、发布时间倒序；指定 SortBy 时以成交率降序兜底
func (r *PostRepository) Search(ctx context.Context, f PostFilter) ([]*model.Post, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&model.Post{}).
		Where("posts.status = ? AND posts.expire_at > ?", model.PostStatusActive, f.Now)

	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		pattern := "%" + escapeLike(strings.ToLower(kw)) + "%"
		query = query.Where("(LOWER(posts.title) LIKE ? ESCAPE '!' OR LOWER(posts.keywords) LIKE ? ESCAPE '!')", pattern, pattern)
	}
	if f.TradeType != "" {
		query = query.Where("posts.trade_type = ?", f.TradeType)
	}
	if f.MinPrice != nil {
		query = query.Where("posts.price >= ?", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		query = query.Where("posts.price <= ?", *f.MaxPrice)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = query.
		Select("posts.*").
		Joins("JOIN users ON users.id = posts.user_id")

	asc := strings.EqualFold(f.SortOrder, "asc")
	column, ok := sortColumns[f.SortBy]
	if !ok || (column == "posts.created_at" && !asc) {
		query = query.Order("users.deal_rate DESC").Order("posts.created_at DESC")
	} else {
		dir := "DESC"
		if asc {
			dir = "ASC"
		}
		query = query.Order(column + " " + dir)
		if column == "users.deal_rate" {
			query = query.Order("posts.created_at DESC")
		} else {
			query = query.Order("users.deal_rate DESC")
		}
	}

	var posts []*model.Post
	err := query.
		Order("posts.id DESC").
		Offset(f.Offset).
		Limit(f.Limit).
		Find(&posts).Error
	return posts, total, err
}
