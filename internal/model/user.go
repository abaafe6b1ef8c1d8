package model

import (
	"time"
)

const (
	UserStatusActive   = "ACTIVE"
	UserStatusDisabled = "DISABLED"
	UserStatusBanned   = "BANNED"
)

// IsValidUserStatus 判断用户状态是否合法
func IsValidUserStatus(status string) bool {
	switch status {
	case UserStatusActive, UserStatusDisabled, UserStatusBanned:
		return true
	}
	return false
}

// User 用户表
// Points 是积分流水的物化结果，只能和 PointTransaction 在同一个事务里一起变更
type User struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id,string"`
	Phone      string    `gorm:"type:varchar(20);uniqueIndex;not null" json:"phone"`
	WechatID   string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"wechat_id"`
	InviterID  *int64    `gorm:"index" json:"inviter_id,omitempty,string"`
	Points     int64     `gorm:"not null;default:0" json:"points"`
	DealRate   float64   `gorm:"type:decimal(5,1);not null;default:0" json:"deal_rate"` // 成交率（百分比，保留1位）
	TotalPosts int       `gorm:"not null;default:0" json:"total_posts"`
	TotalDeals int       `gorm:"not null;default:0" json:"total_deals"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:ACTIVE" json:"status"`
	Version    int       `gorm:"not null;default:0" json:"-"` // 每次积分变动 +1
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
