package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"tradeboard/internal/config"
	"tradeboard/internal/infrastructure/cache"
	"tradeboard/internal/model"
	"tradeboard/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const maxSearchKeywordLen = 50

// FeedCache 信息流缓存的具体类型
type FeedCache = cache.FeedCache[*Page[*Listing]]

// QueryService 公开信息流，只读
type QueryService struct {
	*core
	cache    *FeedCache
	cacheTTL time.Duration
}

// NewQueryService feedCache 为 nil 时不缓存
func NewQueryService(db *gorm.DB, cfg *config.Config, opts Options, feedCache *FeedCache) *QueryService {
	return &QueryService{
		core:     newCore(db, cfg, opts),
		cache:    feedCache,
		cacheTTL: time.Duration(cfg.Business.FeedCacheTTLSeconds) * time.Second,
	}
}

type FeedQuery struct {
	Keyword   string           `form:"keyword"`
	TradeType string           `form:"trade_type"`
	MinPrice  *decimal.Decimal `form:"-"`
	MaxPrice  *decimal.Decimal `form:"-"`
	SortBy    string           `form:"sort_by"`
	SortOrder string           `form:"sort_order"`
	Page      int              `form:"page"`
	Limit     int              `form:"limit"`
}

func (s *QueryService) normalize(q FeedQuery) (FeedQuery, error) {
	q.Keyword = strings.TrimSpace(q.Keyword)
	q.TradeType = strings.ToUpper(strings.TrimSpace(q.TradeType))
	q.SortOrder = strings.ToLower(strings.TrimSpace(q.SortOrder))

	if utf8.RuneCountInString(q.Keyword) > maxSearchKeywordLen {
		return q, newValidationError("搜索关键词不能超过 %d 个字符", maxSearchKeywordLen)
	}
	if q.TradeType != "" && !model.IsValidTradeType(q.TradeType) {
		return q, newValidationError("交易类型不合法: %s", q.TradeType)
	}
	if q.MinPrice != nil && q.MinPrice.IsNegative() || q.MaxPrice != nil && q.MaxPrice.IsNegative() {
		return q, newValidationError("价格区间不能为负数")
	}
	if q.MinPrice != nil && q.MaxPrice != nil && q.MinPrice.GreaterThan(*q.MaxPrice) {
		return q, newValidationError("最低价格不能大于最高价格")
	}
	if q.SortBy != "" && !repository.IsSortable(q.SortBy) {
		return q, newValidationError("不支持的排序字段: %s", q.SortBy)
	}
	if q.SortOrder != "" && q.SortOrder != "asc" && q.SortOrder != "desc" {
		return q, newValidationError("排序方向只能是 asc 或 desc")
	}

	page, limit, err := s.normalizePage(q.Page, q.Limit)
	if err != nil {
		return q, err
	}
	q.Page, q.Limit = page, limit
	return q, nil
}

func (q FeedQuery) cacheKey() string {
	price := func(d *decimal.Decimal) string {
		if d == nil {
			return ""
		}
		return d.String()
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%d",
		strings.ToLower(q.Keyword), q.TradeType, price(q.MinPrice), price(q.MaxPrice),
		q.SortBy, q.SortOrder, q.Page, q.Limit)
}

// Feed 只返回 ACTIVE 且未过期的信息
// 默认按发布者成交率降序、发布时间倒序；指定排序字段时成交率作为第二排序键
func (s *QueryService) Feed(ctx context.Context, query FeedQuery) (*Page[*Listing], error) {
	q, err := s.normalize(query)
	if err != nil {
		return nil, err
	}

	key := q.cacheKey()
	if s.cache != nil {
		if page, ok := s.cache.Get(key); ok {
			return page, nil
		}
	}

	now := s.now()
	posts, total, err := s.postRepo.Search(ctx, repository.PostFilter{
		Keyword:   q.Keyword,
		TradeType: q.TradeType,
		MinPrice:  q.MinPrice,
		MaxPrice:  q.MaxPrice,
		SortBy:    q.SortBy,
		SortOrder: q.SortOrder,
		Now:       now,
		Offset:    (q.Page - 1) * q.Limit,
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("查询交易信息失败: %w", err)
	}

	ownerIDs := make([]int64, 0, len(posts))
	seen := make(map[int64]struct{}, len(posts))
	for _, p := range posts {
		if _, ok := seen[p.UserID]; !ok {
			seen[p.UserID] = struct{}{}
			ownerIDs = append(ownerIDs, p.UserID)
		}
	}
	stats, err := s.userRepo.GetOwnerStats(ctx, ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("查询发布者信息失败: %w", err)
	}

	items := make([]*Listing, 0, len(posts))
	ttl := s.cacheTTL
	for _, p := range posts {
		items = append(items, newListing(p, now, stats[p.UserID]))
		// 缓存不能活过页内最早过期的那条
		if remain := p.ExpireAt.Sub(now); remain < ttl {
			ttl = remain
		}
	}
	page := newPage(items, total, q.Page, q.Limit)

	if s.cache != nil {
		s.cache.Set(key, page, ttl)
	}
	return page, nil
}

// NewFeedCache size 为缓存的查询条数
func NewFeedCache(size int) (*FeedCache, error) {
	return cache.NewFeedCache[*Page[*Listing]](size, nil)
}
