package repository

import (
	"context"
	"errors"

	"tradeboard/internal/model"

	"gorm.io/gorm"
)

// PointTransactionRepository 积分流水，只提供追加和查询
type PointTransactionRepository struct {
	db *gorm.DB
}

func NewPointTransactionRepository(db *gorm.DB) *PointTransactionRepository {
	return &PointTransactionRepository{db: db}
}

func (r *PointTransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.PointTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *PointTransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.PointTransaction, int64, error) {
	var transactions []*model.PointTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PointTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// ListAllByUserID 按写入顺序返回全部流水，用于回放校验
func (r *PointTransactionRepository) ListAllByUserID(ctx context.Context, userID int64) ([]*model.PointTransaction, error) {
	var transactions []*model.PointTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}

// SumByUserID 某用户全部流水的变动合计，没有流水时为 0
func (r *PointTransactionRepository) SumByUserID(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.PointTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(change_amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// GetLatestByUserID 最后一条流水，没有流水时返回 nil, nil
func (r *PointTransactionRepository) GetLatestByUserID(ctx context.Context, userID int64) (*model.PointTransaction, error) {
	var trans model.PointTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}
