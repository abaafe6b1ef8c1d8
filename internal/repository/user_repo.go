package repository

import (
	"context"
	"errors"

	"tradeboard/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound    = errors.New("用户不存在")
	ErrPointsNotEnough = errors.New("积分不足")
	ErrUserNotActive   = errors.New("用户状态异常")
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *UserRepository) Create(ctx context.Context, tx *gorm.DB, user *model.User) error {
	return r.conn(tx).WithContext(ctx).Create(user).Error
}

func (r *UserRepository) GetByID(ctx context.Context, tx *gorm.DB, userID int64) (*model.User, error) {
	var user model.User
	err := r.conn(tx).WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.User, error) {
	var user model.User
	err := r.conn(tx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ExistsByPhoneOrWechat 注册前的唯一性检查
func (r *UserRepository) ExistsByPhoneOrWechat(ctx context.Context, tx *gorm.DB, phone, wechatID string) (bool, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.User{}).
		Where("phone = ? OR wechat_id = ?", phone, wechatID).
		Count(&count).Error
	return count > 0, err
}

// Points 读取当前余额，在事务内调用时读到的是本事务写入后的值
func (r *UserRepository) Points(ctx context.Context, tx *gorm.DB, userID int64) (int64, error) {
	var user model.User
	err := r.conn(tx).WithContext(ctx).
		Select("id", "points").
		Where("id = ?", userID).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return user.Points, nil
}

// Deduct 条件扣减：余额够且用户为 ACTIVE 才会更新
// 检查和扣减是一条 UPDATE，并发的两个请求最多只有余额允许的那几个成功
func (r *UserRepository) Deduct(ctx context.Context, tx *gorm.DB, userID int64, amount int64, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"points":  gorm.Expr("points - ?", amount),
		"version": gorm.Expr("version + 1"),
	}
	for k, v := range extra {
		updates[k] = v
	}

	conn := r.conn(tx).WithContext(ctx)
	result := conn.
		Model(&model.User{}).
		Where("id = ? AND points >= ? AND status = ?", userID, amount, model.UserStatusActive).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		user, err := r.GetByID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if user.Status != model.UserStatusActive {
			return ErrUserNotActive
		}
		return ErrPointsNotEnough
	}

	return nil
}

func (r *UserRepository) Increase(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"points":  gorm.Expr("points + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}

	return nil
}

// Adjust 后台调整，delta 可正可负，结果不能小于 0，不要求用户为 ACTIVE
func (r *UserRepository) Adjust(ctx context.Context, tx *gorm.DB, userID int64, delta int64) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND points + ? >= 0", userID, delta).
		Updates(map[string]interface{}{
			"points":  gorm.Expr("points + ?", delta),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, tx, userID); err != nil {
			return err
		}
		return ErrPointsNotEnough
	}

	return nil
}

// OwnerStats 信息流展示用的发布者信誉字段
type OwnerStats struct {
	ID         int64
	DealRate   float64
	TotalPosts int
	TotalDeals int
}

// GetOwnerStats 批量读取发布者信誉，避免逐条查询
func (r *UserRepository) GetOwnerStats(ctx context.Context, userIDs []int64) (map[int64]OwnerStats, error) {
	stats := make(map[int64]OwnerStats, len(userIDs))
	if len(userIDs) == 0 {
		return stats, nil
	}

	var rows []OwnerStats
	err := r.db.WithContext(ctx).
		Model(&model.User{}).
		Select("id, deal_rate, total_posts, total_deals").
		Where("id IN ?", userIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		stats[row.ID] = row
	}
	return stats, nil
}

// UpdateDealStats 写回成交统计
func (r *UserRepository) UpdateDealStats(ctx context.Context, tx *gorm.DB, userID int64, totalDeals int, dealRate float64) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"total_deals": totalDeals,
			"deal_rate":   dealRate,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, userID int64, status string) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListIDsAfter 按 id 分批扫描，供对账任务使用
func (r *UserRepository) ListIDsAfter(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
