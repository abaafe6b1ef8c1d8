package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradeboard/internal/config"
	"tradeboard/internal/infrastructure/lock"
	"tradeboard/internal/model"
	"tradeboard/internal/repository"
	"tradeboard/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Actor 由鉴权层解析出的调用者身份
type Actor struct {
	UserID  int64
	Status  string
	IsAdmin bool
}

// FeedInvalidator 写操作提交后通知信息流缓存失效
type FeedInvalidator interface {
	Purge()
}

// Options 服务的可选依赖，零值可用
type Options struct {
	Logger *slog.Logger
	Locker lock.Locker
	Clock  func() time.Time
	Feed   FeedInvalidator
}

// core 各个服务共用的依赖和事务内辅助方法
type core struct {
	db     *gorm.DB
	biz    config.BusinessConfig
	topics config.KafkaTopicConfig
	log    *slog.Logger
	locker lock.Locker
	now    func() time.Time
	feed   FeedInvalidator

	userRepo   *repository.UserRepository
	postRepo   *repository.PostRepository
	viewRepo   *repository.PostViewRepository
	ledgerRepo *repository.PointTransactionRepository
	outboxRepo *repository.OutboxRepository
}

func newCore(db *gorm.DB, cfg *config.Config, opts Options) *core {
	c := &core{
		db:         db,
		biz:        cfg.Business,
		topics:     cfg.Kafka.Topic,
		log:        opts.Logger,
		locker:     opts.Locker,
		now:        opts.Clock,
		feed:       opts.Feed,
		userRepo:   repository.NewUserRepository(db),
		postRepo:   repository.NewPostRepository(db),
		viewRepo:   repository.NewPostViewRepository(db),
		ledgerRepo: repository.NewPointTransactionRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *core) checkActor(actor Actor) error {
	if actor.IsAdmin {
		return nil
	}
	if actor.UserID <= 0 {
		return newValidationError("未登录")
	}
	if actor.Status != model.UserStatusActive {
		return newValidationError("账户状态异常，无法操作")
	}
	return nil
}

// checkMember 发布、查看、标记成交只能由普通用户发起，管理员令牌不对应积分账户
func (c *core) checkMember(actor Actor) error {
	if actor.IsAdmin {
		return newValidationError("管理员身份不能执行该操作")
	}
	return c.checkActor(actor)
}

func (c *core) requireAdmin(actor Actor) error {
	if !actor.IsAdmin {
		return newValidationError("无权限操作")
	}
	return nil
}

// lockUser 同一用户的积分操作排队，未配置 Locker 时直接放行
func (c *core) lockUser(ctx context.Context, userID int64) (func(), error) {
	if c.locker == nil {
		return func() {}, nil
	}
	unlock, err := c.locker.LockUser(ctx, userID)
	if err != nil {
		c.log.Warn("获取用户锁失败", slog.Int64("user_id", userID), slog.Any("err", err))
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return unlock, nil
}

func (c *core) invalidateFeed() {
	if c.feed != nil {
		c.feed.Purge()
	}
}

// appendLedger 在余额变更之后调用，BalanceAfter 取本事务内的最新余额
func (c *core) appendLedger(ctx context.Context, tx *gorm.DB, userID int64, changeType string, amount int64, relatedID *int64, description string) (*model.PointTransaction, error) {
	balance, err := c.userRepo.Points(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("读取余额失败: %w", err)
	}

	trans := &model.PointTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		ChangeType:    changeType,
		ChangeAmount:  amount,
		BalanceAfter:  balance,
		RelatedID:     relatedID,
		Description:   description,
	}
	if err := c.ledgerRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("记录积分流水失败: %w", err)
	}
	return trans, nil
}

// deduct 条件扣减，余额不足时返回带实际余额的 InsufficientPointsError
func (c *core) deduct(ctx context.Context, tx *gorm.DB, userID, amount int64, extra map[string]interface{}) error {
	err := c.userRepo.Deduct(ctx, tx, userID, amount, extra)
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrPointsNotEnough) {
		available, readErr := c.userRepo.Points(ctx, tx, userID)
		if readErr != nil {
			return fmt.Errorf("读取余额失败: %w", readErr)
		}
		return &InsufficientPointsError{UserID: userID, Required: amount, Available: available}
	}
	return translateRepoErr(err, userID)
}

// emit 写 outbox，和业务数据同一个事务提交
func (c *core) emit(ctx context.Context, tx *gorm.DB, topic, eventType string, payload map[string]interface{}) error {
	payload["event_type"] = eventType
	payload["occurred_at"] = c.now().Format(time.RFC3339)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: idgen.GenerateEventKey(),
		Topic:      topic,
		EventType:  eventType,
		Payload:    string(data),
		Status:     model.OutboxStatusPending,
	}
	if err := c.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

// lockOwnerRow 事务内先锁发布者行，同一发布者的成交统计重算按行锁排队
// 必须是事务里的第一条语句，否则 REPEATABLE READ 下的快照会早于上一个事务的提交
func (c *core) lockOwnerRow(ctx context.Context, tx *gorm.DB, ownerID int64) error {
	if _, err := c.userRepo.GetByIDForUpdate(ctx, tx, ownerID); err != nil {
		return translateRepoErr(err, ownerID)
	}
	return nil
}

// refreshDealStats 按发布者名下所有信息重新汇总成交数和成交率
func (c *core) refreshDealStats(ctx context.Context, tx *gorm.DB, ownerID int64) (float64, error) {
	postCount, dealSum, err := c.postRepo.DealStats(ctx, tx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("统计成交数据失败: %w", err)
	}

	rate := DealRate(dealSum, postCount)
	if err := c.userRepo.UpdateDealStats(ctx, tx, ownerID, int(dealSum), rate); err != nil {
		return 0, translateRepoErr(err, ownerID)
	}
	return rate, nil
}

// DealRate 成交数 / 信息数 * 100，保留 1 位小数；没有信息时为 0
func DealRate(totalDeals, totalPosts int64) float64 {
	if totalPosts <= 0 {
		return 0
	}
	return decimal.NewFromInt(totalDeals).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(totalPosts)).
		Round(1).
		InexactFloat64()
}

// translateRepoErr 把仓储层的哨兵错误转换成对外的错误分类，id 用于 NotFoundError
func translateRepoErr(err error, id int64) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrUserNotFound):
		return &NotFoundError{Resource: "用户", ID: id}
	case errors.Is(err, repository.ErrPostNotFound):
		return &NotFoundError{Resource: "交易信息", ID: id}
	case errors.Is(err, repository.ErrUserNotActive):
		return newValidationError("账户状态异常，无法操作")
	case errors.Is(err, repository.ErrPostNotViewable):
		return newValidationError("交易信息不存在或已下架")
	case errors.Is(err, repository.ErrViewLimitReached):
		return newValidationError("该信息查看次数已达上限")
	case errors.Is(err, repository.ErrViewNotFound):
		return newValidationError("请先查看联系方式后再标记成交")
	case errors.Is(err, repository.ErrAlreadyDealt):
		return newValidationError("已标记过成交状态")
	case errors.Is(err, repository.ErrPostStatusInvalid):
		return newValidationError("交易信息状态不允许该操作")
	case errors.Is(err, repository.ErrOutboxNotFound):
		return &NotFoundError{Resource: "消息", ID: id}
	case errors.Is(err, repository.ErrOutboxNotFailed):
		return newValidationError("只能重新投递失败状态的消息")
	}
	return err
}

// normalizePage page/limit 为 0 时取默认值，越界时报参数错误
func (c *core) normalizePage(page, limit int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = c.biz.DefaultPageSize
	}
	if page < 1 {
		return 0, 0, newValidationError("page 必须大于等于 1")
	}
	if limit < 1 || limit > c.biz.MaxPageSize {
		return 0, 0, newValidationError("limit 必须在 1-%d 之间", c.biz.MaxPageSize)
	}
	return page, limit, nil
}

// Page 分页结果
type Page[T any] struct {
	List       []T   `json:"list"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

func newPage[T any](list []T, total int64, page, limit int) *Page[T] {
	if list == nil {
		list = []T{}
	}
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return &Page[T]{
		List:       list,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

func int64Ptr(v int64) *int64 { return &v }
