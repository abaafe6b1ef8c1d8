package model

import (
	"time"
)

// ============================================================================
// 积分变动类型
// ============================================================================

const (
	ChangeTypeRecharge     = "RECHARGE"      // 充值
	ChangeTypePublish      = "PUBLISH"       // 发布交易信息
	ChangeTypeView         = "VIEW"          // 查看联系方式
	ChangeTypeInviteBonus  = "INVITE_BONUS"  // 邀请人奖励
	ChangeTypeInvitedBonus = "INVITED_BONUS" // 注册奖励
	ChangeTypeRefund       = "REFUND"        // 删除信息退还
	ChangeTypeAdminAdjust  = "ADMIN_ADJUST"  // 后台调整
)

// PointTransaction 积分流水表
//
// 只追加，不修改，不删除。
// 按创建顺序回放某个用户的 ChangeAmount 之和必须等于 users.points，
// 且每一行的 BalanceAfter 等于回放到该行时的累计值。
type PointTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id,string"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID        int64     `gorm:"index:idx_point_tx_user_id;not null" json:"user_id,string"`
	ChangeType    string    `gorm:"type:varchar(20);index;not null" json:"change_type"`
	ChangeAmount  int64     `gorm:"not null" json:"change_amount"` // 正数入账，负数出账
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	RelatedID     *int64    `gorm:"index" json:"related_id,omitempty,string"` // 关联的交易信息ID
	Description   string    `gorm:"type:varchar(256)" json:"description"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (PointTransaction) TableName() string {
	return "point_transactions"
}
