package repository

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tradeboard/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	return db
}

var phoneSeq atomic.Int64

func createUser(t *testing.T, db *gorm.DB, wechat string, points int64) *model.User {
	t.Helper()
	user := &model.User{
		Phone:    fmt.Sprintf("138%08d", phoneSeq.Add(1)),
		WechatID: wechat,
		Points:   points,
		Status:   model.UserStatusActive,
	}
	require.NoError(t, NewUserRepository(db).Create(context.Background(), nil, user))
	return user
}

func createPost(t *testing.T, db *gorm.DB, userID int64, title string, price int64, expireAt time.Time) *model.Post {
	t.Helper()
	post := &model.Post{
		UserID:    userID,
		Title:     title,
		Keywords:  title,
		Price:     decimal.NewFromInt(price),
		TradeType: model.TradeTypeSell,
		ViewLimit: 10,
		Status:    model.PostStatusActive,
		ExpireAt:  expireAt,
	}
	require.NoError(t, NewPostRepository(db).Create(context.Background(), nil, post))
	return post
}
