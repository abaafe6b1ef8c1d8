package model

import (
	"time"
)

// PostView 查看联系方式记录
// (post_id, user_id) 唯一：同一个人对同一条信息只扣一次积分
type PostView struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id,string"`
	PostID    int64      `gorm:"uniqueIndex:uk_post_view_post_user;not null" json:"post_id,string"`
	UserID    int64      `gorm:"uniqueIndex:uk_post_view_post_user;index;not null" json:"user_id,string"`
	WechatID  string     `gorm:"type:varchar(32);not null" json:"wechat_id"`
	IsDealt   bool       `gorm:"not null;default:false" json:"is_dealt"`
	DealtAt   *time.Time `json:"dealt_at,omitempty"`
	IPAddress string     `gorm:"type:varchar(64)" json:"-"`
	UserAgent string     `gorm:"type:varchar(256)" json:"-"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PostView) TableName() string {
	return "post_views"
}
