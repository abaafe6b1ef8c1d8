package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 事件类型，写在 OutboxMessage.EventType
const (
	EventPostPublished     = "post.published"
	EventPostUpdated       = "post.updated"
	EventPostDeleted       = "post.deleted"
	EventPostStatusChanged = "post.status_changed"
	EventPostViewed        = "post.viewed"
	EventPostDealt         = "post.dealt"
	EventPointsAdjusted    = "points.adjusted"
	EventPointsRecharged   = "points.recharged"
	EventUserCreated       = "user.created"
	EventUserStatusChanged = "user.status_changed"
)

type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	EventType  string    `gorm:"type:varchar(32);not null" json:"event_type"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// AllModels 自动迁移用
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Post{},
		&PostView{},
		&PointTransaction{},
		&OutboxMessage{},
	}
}
