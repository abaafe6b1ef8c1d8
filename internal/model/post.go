package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TradeTypeBuy   = "BUY"
	TradeTypeSell  = "SELL"
	TradeTypeLong  = "LONG"
	TradeTypeShort = "SHORT"
)

// IsValidTradeType 判断交易类型是否合法
func IsValidTradeType(t string) bool {
	switch t {
	case TradeTypeBuy, TradeTypeSell, TradeTypeLong, TradeTypeShort:
		return true
	}
	return false
}

// RequiresDeliveryDate 做多/做空必须填写交割时间
func RequiresDeliveryDate(t string) bool {
	return t == TradeTypeLong || t == TradeTypeShort
}

const (
	PostStatusActive   = "ACTIVE"
	PostStatusExpired  = "EXPIRED"
	PostStatusDisabled = "DISABLED"
)

// ValidStatusTransitions 可由外部触发的状态流转，EXPIRED 只能由时间产生
var ValidStatusTransitions = map[string][]string{
	PostStatusActive:   {PostStatusDisabled, PostStatusExpired},
	PostStatusDisabled: {PostStatusActive, PostStatusExpired},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Post 交易信息表
type Post struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id,string"`
	UserID       int64           `gorm:"index;not null" json:"user_id,string"`
	Title        string          `gorm:"type:varchar(100);not null" json:"title"`
	Keywords     string          `gorm:"type:varchar(200);not null" json:"keywords"`
	Price        decimal.Decimal `gorm:"type:decimal(12,2);index;not null" json:"price"`
	TradeType    string          `gorm:"type:varchar(10);index;not null" json:"trade_type"`
	DeliveryDate *time.Time      `json:"delivery_date,omitempty"`
	ExtraInfo    string          `gorm:"type:varchar(100)" json:"extra_info"`
	ViewLimit    int             `gorm:"not null" json:"view_limit"`
	ViewCount    int             `gorm:"not null;default:0" json:"view_count"`
	DealCount    int             `gorm:"not null;default:0" json:"deal_count"`
	Status       string          `gorm:"type:varchar(20);index;not null" json:"status"`
	ExpireAt     time.Time       `gorm:"index;not null" json:"expire_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Post) TableName() string {
	return "posts"
}

// EffectiveStatus 过期按读取时刻判断，不依赖 status 字段是否已被清理任务改写
func (p *Post) EffectiveStatus(now time.Time) string {
	if p.Status == PostStatusActive && !now.Before(p.ExpireAt) {
		return PostStatusExpired
	}
	return p.Status
}

// IsViewable 是否还能付费查看联系方式
func (p *Post) IsViewable(now time.Time) bool {
	return p.EffectiveStatus(now) == PostStatusActive
}

// RemainingViews 剩余可查看次数，删除时按此退还积分
func (p *Post) RemainingViews() int {
	if p.ViewCount >= p.ViewLimit {
		return 0
	}
	return p.ViewLimit - p.ViewCount
}
