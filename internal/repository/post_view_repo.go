package repository

import (
	"context"
	"errors"
	"time"

	"tradeboard/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrViewNotFound = errors.New("查看记录不存在")
	ErrAlreadyDealt = errors.New("已标记为成交")
)

type PostViewRepository struct {
	db *gorm.DB
}

func NewPostViewRepository(db *gorm.DB) *PostViewRepository {
	return &PostViewRepository{db: db}
}

func (r *PostViewRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// CreateIfAbsent 依赖 (post_id, user_id) 唯一索引
// 返回 false 表示记录已存在（重复查看或并发请求已写入）
func (r *PostViewRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, view *model.PostView) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(view)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *PostViewRepository) GetByPostAndUser(ctx context.Context, tx *gorm.DB, postID, userID int64) (*model.PostView, error) {
	var view model.PostView
	err := r.conn(tx).WithContext(ctx).
		Where("post_id = ? AND user_id = ?", postID, userID).
		First(&view).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrViewNotFound
		}
		return nil, err
	}
	return &view, nil
}

// GetByPostAndUserForShare 带共享锁读取，读到的是其它事务已提交的最新记录
func (r *PostViewRepository) GetByPostAndUserForShare(ctx context.Context, tx *gorm.DB, postID, userID int64) (*model.PostView, error) {
	var view model.PostView
	err := r.conn(tx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Where("post_id = ? AND user_id = ?", postID, userID).
		First(&view).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrViewNotFound
		}
		return nil, err
	}
	return &view, nil
}

// MarkDealt 只允许 false -> true，并发标记时只有一个成功
func (r *PostViewRepository) MarkDealt(ctx context.Context, tx *gorm.DB, viewID int64, at time.Time) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.PostView{}).
		Where("id = ? AND is_dealt = ?", viewID, false).
		Updates(map[string]interface{}{
			"is_dealt": true,
			"dealt_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyDealt
	}
	return nil
}

func (r *PostViewRepository) DeleteByPostID(ctx context.Context, tx *gorm.DB, postID int64) error {
	return r.conn(tx).WithContext(ctx).
		Where("post_id = ?", postID).
		Delete(&model.PostView{}).Error
}

func (r *PostViewRepository) ListByPostID(ctx context.Context, postID int64, page, pageSize int) ([]*model.PostView, int64, error) {
	var views []*model.PostView
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PostView{}).Where("post_id = ?", postID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&views).Error
	return views, total, err
}

func (r *PostViewRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.PostView, int64, error) {
	var views []*model.PostView
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PostView{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&views).Error
	return views, total, err
}
