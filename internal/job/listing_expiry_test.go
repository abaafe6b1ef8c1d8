package job

import (
	"context"
	"testing"
	"time"

	"tradeboard/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func createPost(t *testing.T, db *gorm.DB, status string, expireAt time.Time) *model.Post {
	t.Helper()
	post := &model.Post{
		UserID:    1,
		Title:     "铁矿石",
		Keywords:  "铁矿石",
		TradeType: model.TradeTypeSell,
		ViewLimit: 10,
		Status:    status,
		ExpireAt:  expireAt,
	}
	require.NoError(t, db.Create(post).Error)
	return post
}

func TestListingExpirySweep_Sweep(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().Truncate(time.Second)

	overdue := createPost(t, db, model.PostStatusActive, now.Add(-time.Minute))
	dueNow := createPost(t, db, model.PostStatusActive, now)
	alive := createPost(t, db, model.PostStatusActive, now.Add(time.Hour))
	disabled := createPost(t, db, model.PostStatusDisabled, now.Add(-time.Minute))

	changed := 0
	sweep := NewListingExpirySweep(db, testConfig(), discardLogger(), func() { changed++ })
	sweep.now = func() time.Time { return now }
	sweep.batchSize = 1

	n := sweep.Sweep(context.Background())
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, changed)

	status := func(id int64) string {
		var p model.Post
		require.NoError(t, db.First(&p, id).Error)
		return p.Status
	}
	assert.Equal(t, model.PostStatusExpired, status(overdue.ID))
	assert.Equal(t, model.PostStatusExpired, status(dueNow.ID))
	assert.Equal(t, model.PostStatusActive, status(alive.ID))
	// 下架状态的不改写，删除退款仍按剩余次数计算
	assert.Equal(t, model.PostStatusDisabled, status(disabled.ID))

	// 再跑一次没有变化，不触发回调
	assert.Equal(t, int64(0), sweep.Sweep(context.Background()))
	assert.Equal(t, 1, changed)
}
