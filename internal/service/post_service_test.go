package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tradeboard/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeductsPointsAndCreatesPost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 100)

	req := sellRequest("<b>Iron</b> &amp; Ore")
	req.Price = decimal.RequireFromString("123.456")
	req.Keywords = "iron ore"
	req.ExtraInfo = "<script>alert(1)</script>港口现货"

	result, err := env.posts.Publish(ctx, actorOf(owner), req)
	require.NoError(t, err)

	post := result.Post
	assert.Equal(t, int64(10), result.PointsCost)
	assert.Equal(t, int64(90), result.PointsBalance)
	assert.Equal(t, "Iron & Ore", post.Title)
	assert.Equal(t, "港口现货", post.ExtraInfo)
	assert.True(t, post.Price.Equal(decimal.RequireFromString("123.46")))
	assert.Equal(t, model.PostStatusActive, post.Status)
	assert.Equal(t, 10, post.ViewLimit)
	assert.Equal(t, 0, post.ViewCount)
	assert.True(t, post.ExpireAt.Equal(env.clock.Now().Add(72*time.Hour)))

	assert.Equal(t, int64(90), env.balance(t, owner.ID))
	b, err := env.points.GetBalance(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, b.TotalPosts)

	var trans model.PointTransaction
	require.NoError(t, env.db.Where("user_id = ? AND change_type = ?", owner.ID, model.ChangeTypePublish).First(&trans).Error)
	assert.Equal(t, int64(-10), trans.ChangeAmount)
	assert.Equal(t, int64(90), trans.BalanceAfter)
	require.NotNil(t, trans.RelatedID)
	assert.Equal(t, post.ID, *trans.RelatedID)

	assert.Equal(t, int64(1), env.countRows(t, &model.OutboxMessage{}, "event_type = ?", model.EventPostPublished))
	env.requireLedgerConsistent(t, owner.ID)
}

func TestPublish_InsufficientPoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 9)
	ledgerBefore := env.countRows(t, &model.PointTransaction{}, "user_id = ?", owner.ID)

	_, err := env.posts.Publish(ctx, actorOf(owner), sellRequest("铁矿石"))
	require.Error(t, err)

	var insufficient *InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10), insufficient.Required)
	assert.Equal(t, int64(9), insufficient.Available)
	assert.True(t, IsInsufficientPoints(err))

	// 没有任何写入
	assert.Equal(t, int64(9), env.balance(t, owner.ID))
	assert.Equal(t, int64(0), env.countRows(t, &model.Post{}, "user_id = ?", owner.ID))
	assert.Equal(t, ledgerBefore, env.countRows(t, &model.PointTransaction{}, "user_id = ?", owner.ID))
	assert.Equal(t, int64(0), env.countRows(t, &model.OutboxMessage{}, "event_type = ?", model.EventPostPublished))
	env.requireLedgerConsistent(t, owner.ID)
}

func TestPublish_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 100)
	future := env.clock.Now().Add(48 * time.Hour)
	past := env.clock.Now().Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(r *PublishRequest)
	}{
		{"空标题", func(r *PublishRequest) { r.Title = "   " }},
		{"标签清洗后为空", func(r *PublishRequest) { r.Title = "<b></b>" }},
		{"标题过长", func(r *PublishRequest) { r.Title = strings.Repeat("铁", 101) }},
		{"关键词为空", func(r *PublishRequest) { r.Keywords = "" }},
		{"补充信息过长", func(r *PublishRequest) { r.ExtraInfo = strings.Repeat("a", 101) }},
		{"负价格", func(r *PublishRequest) { r.Price = decimal.NewFromInt(-1) }},
		{"超过最高价", func(r *PublishRequest) { r.Price = decimal.NewFromInt(1000001) }},
		{"未知类型", func(r *PublishRequest) { r.TradeType = "SWAP" }},
		{"做多缺交割时间", func(r *PublishRequest) { r.TradeType = model.TradeTypeLong }},
		{"做空交割时间已过", func(r *PublishRequest) {
			r.TradeType = model.TradeTypeShort
			r.DeliveryDate = &past
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sellRequest("铁矿石")
			tt.mutate(req)
			_, err := env.posts.Publish(ctx, actorOf(owner), req)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}

	assert.Equal(t, int64(100), env.balance(t, owner.ID))
	assert.Equal(t, int64(0), env.countRows(t, &model.Post{}, "user_id = ?", owner.ID))

	t.Run("求购不要求交割时间", func(t *testing.T) {
		req := sellRequest("求购焦煤")
		req.TradeType = "buy"
		result, err := env.posts.Publish(ctx, actorOf(owner), req)
		require.NoError(t, err)
		assert.Equal(t, model.TradeTypeBuy, result.Post.TradeType)
		assert.Nil(t, result.Post.DeliveryDate)
	})

	t.Run("做多带未来交割时间", func(t *testing.T) {
		req := sellRequest("螺纹钢")
		req.TradeType = model.TradeTypeLong
		req.DeliveryDate = &future
		_, err := env.posts.Publish(ctx, actorOf(owner), req)
		require.NoError(t, err)
	})
}

func TestPublish_RejectsInactiveActor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 100)

	_, err := env.posts.Publish(ctx, Actor{}, sellRequest("铁矿石"))
	assert.True(t, IsValidation(err))

	_, err = env.posts.Publish(ctx, Actor{UserID: owner.ID, Status: model.UserStatusBanned}, sellRequest("铁矿石"))
	assert.True(t, IsValidation(err))

	// 身份还是旧的 ACTIVE，但库里已封禁，条件扣减同样拒绝
	_, err = env.users.UpdateUserStatus(ctx, admin, owner.ID, model.UserStatusBanned)
	require.NoError(t, err)
	_, err = env.posts.Publish(ctx, actorOf(owner), sellRequest("铁矿石"))
	assert.True(t, IsValidation(err), "got %v", err)
	assert.Equal(t, int64(100), env.balance(t, owner.ID))
}

func TestPublish_ConcurrentOnlyBalanceAllows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.posts.Publish(ctx, actorOf(owner), sellRequest("铁矿石"))
		}(i)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case IsInsufficientPoints(err):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(0), env.balance(t, owner.ID))
	assert.Equal(t, int64(1), env.countRows(t, &model.Post{}, "user_id = ?", owner.ID))
	env.requireLedgerConsistent(t, owner.ID)
}

func TestDeleteListing_RefundsRemainingViews(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 100)
	post := env.publish(t, owner, "铁矿石")

	viewers := make([]*model.User, 0, 3)
	for _, wx := range []string{"viewer_a1", "viewer_b1", "viewer_c1"} {
		v := env.newUser(t, wx, 100)
		_, err := env.views.ViewContact(ctx, actorOf(v), post.ID, ViewMeta{})
		require.NoError(t, err)
		viewers = append(viewers, v)
	}

	result, err := env.posts.DeleteListing(ctx, actorOf(owner), post.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.RefundAmount)
	assert.Equal(t, int64(97), result.PointsBalance)
	assert.Equal(t, int64(97), env.balance(t, owner.ID))

	assert.Equal(t, int64(0), env.countRows(t, &model.Post{}, "id = ?", post.ID))
	assert.Equal(t, int64(0), env.countRows(t, &model.PostView{}, "post_id = ?", post.ID))

	var refund model.PointTransaction
	require.NoError(t, env.db.Where("user_id = ? AND change_type = ?", owner.ID, model.ChangeTypeRefund).First(&refund).Error)
	assert.Equal(t, int64(7), refund.ChangeAmount)
	require.NotNil(t, refund.RelatedID)
	assert.Equal(t, post.ID, *refund.RelatedID)

	// 查看者的扣分不退
	for _, v := range viewers {
		assert.Equal(t, int64(99), env.balance(t, v.ID))
		env.requireLedgerConsistent(t, v.ID)
	}
	env.requireLedgerConsistent(t, owner.ID)

	_, err = env.posts.GetPost(ctx, post.ID)
	assert.True(t, IsNotFound(err))
}

func TestDeleteListing_Rules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 100)
	other := env.newUser(t, "other_wx01", 100)

	t.Run("不存在", func(t *testing.T) {
		_, err := env.posts.DeleteListing(ctx, actorOf(owner), 999999)
		assert.True(t, IsNotFound(err))
	})

	t.Run("不是发布者", func(t *testing.T) {
		post := env.publish(t, owner, "铁矿石")
		_, err := env.posts.DeleteListing(ctx, actorOf(other), post.ID)
		assert.True(t, IsValidation(err))
		assert.Equal(t, int64(1), env.countRows(t, &model.Post{}, "id = ?", post.ID))
		assert.Equal(t, int64(100), env.balance(t, other.ID))
	})

	t.Run("查看次数用完不退款", func(t *testing.T) {
		post := env.publish(t, owner, "焦煤")
		require.NoError(t, env.db.Model(&model.Post{}).Where("id = ?", post.ID).Update("view_count", 10).Error)
		before := env.balance(t, owner.ID)

		result, err := env.posts.DeleteListing(ctx, actorOf(owner), post.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.RefundAmount)
		assert.Equal(t, before, result.PointsBalance)
	})

	t.Run("过期后删除仍退剩余次数", func(t *testing.T) {
		post := env.publish(t, owner, "动力煤")
		before := env.balance(t, owner.ID)
		env.clock.Advance(73 * time.Hour)
		defer env.clock.Advance(-73 * time.Hour)

		result, err := env.posts.DeleteListing(ctx, actorOf(owner), post.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), result.RefundAmount)
		assert.Equal(t, before+10, env.balance(t, owner.ID))
	})

	t.Run("管理员删除退给发布者", func(t *testing.T) {
		post := env.publish(t, owner, "铜精矿")
		before := env.balance(t, owner.ID)

		result, err := env.posts.DeleteListing(ctx, admin, post.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), result.RefundAmount)
		assert.Equal(t, before+10, env.balance(t, owner.ID))
	})

	env.requireLedgerConsistent(t, owner.ID, other.ID)
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 100)
	viewer := env.newUser(t, "viewer_wx1", 100)
	post := env.publish(t, owner, "铁矿石")

	t.Run("状态不合法", func(t *testing.T) {
		_, err := env.posts.UpdateStatus(ctx, actorOf(owner), post.ID, model.PostStatusExpired)
		assert.True(t, IsValidation(err))
	})

	t.Run("不是发布者", func(t *testing.T) {
		_, err := env.posts.UpdateStatus(ctx, actorOf(viewer), post.ID, model.PostStatusDisabled)
		assert.True(t, IsValidation(err))
	})

	t.Run("下架后不能查看，也不退款", func(t *testing.T) {
		updated, err := env.posts.UpdateStatus(ctx, actorOf(owner), post.ID, model.PostStatusDisabled)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusDisabled, updated.Status)
		assert.Equal(t, int64(90), env.balance(t, owner.ID))

		_, err = env.views.ViewContact(ctx, actorOf(viewer), post.ID, ViewMeta{})
		assert.True(t, IsValidation(err))
		assert.Equal(t, int64(100), env.balance(t, viewer.ID))
	})

	t.Run("重复下架是空操作", func(t *testing.T) {
		before := env.countRows(t, &model.OutboxMessage{}, "event_type = ?", model.EventPostStatusChanged)
		updated, err := env.posts.UpdateStatus(ctx, actorOf(owner), post.ID, model.PostStatusDisabled)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusDisabled, updated.Status)
		assert.Equal(t, before, env.countRows(t, &model.OutboxMessage{}, "event_type = ?", model.EventPostStatusChanged))
	})

	t.Run("重新上架", func(t *testing.T) {
		updated, err := env.posts.UpdateStatus(ctx, actorOf(owner), post.ID, model.PostStatusActive)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusActive, updated.Status)

		_, err = env.views.ViewContact(ctx, actorOf(viewer), post.ID, ViewMeta{})
		require.NoError(t, err)
	})

	t.Run("过期后不能再上下架", func(t *testing.T) {
		env.clock.Advance(72 * time.Hour)
		defer env.clock.Advance(-72 * time.Hour)

		_, err := env.posts.UpdateStatus(ctx, actorOf(owner), post.ID, model.PostStatusDisabled)
		assert.True(t, IsValidation(err))

		listing, err := env.posts.GetPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusExpired, listing.Status)
	})

	t.Run("不存在", func(t *testing.T) {
		_, err := env.posts.UpdateStatus(ctx, admin, 999999, model.PostStatusDisabled)
		assert.True(t, IsNotFound(err))
	})
}

func TestUpdatePost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 100)
	other := env.newUser(t, "other_wx01", 100)
	post := env.publish(t, owner, "铁矿石")

	req := sellRequest("铁矿石 62%")
	req.Price = decimal.NewFromInt(880)
	updated, err := env.posts.UpdatePost(ctx, actorOf(owner), post.ID, req)
	require.NoError(t, err)
	assert.Equal(t, "铁矿石 62%", updated.Title)
	assert.True(t, updated.Price.Equal(decimal.NewFromInt(880)))
	assert.Equal(t, int64(90), env.balance(t, owner.ID))

	_, err = env.posts.UpdatePost(ctx, actorOf(other), post.ID, req)
	assert.True(t, IsValidation(err))
	_, err = env.posts.UpdatePost(ctx, admin, post.ID, req)
	assert.True(t, IsValidation(err), "管理员只能下架或删除")

	_, err = env.posts.UpdatePost(ctx, actorOf(owner), post.ID, sellRequest(""))
	assert.True(t, IsValidation(err))

	_, err = env.posts.UpdateStatus(ctx, actorOf(owner), post.ID, model.PostStatusDisabled)
	require.NoError(t, err)
	_, err = env.posts.UpdatePost(ctx, actorOf(owner), post.ID, req)
	assert.True(t, IsValidation(err))
}

func TestListMyPosts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 100)
	for _, title := range []string{"铁矿石", "焦煤", "动力煤"} {
		env.publish(t, owner, title)
	}

	page, err := env.posts.ListMyPosts(ctx, actorOf(owner), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.List, 2)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrev)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 3, page.List[0].OwnerTotalPosts)

	_, err = env.posts.ListMyPosts(ctx, actorOf(owner), 1, 101)
	assert.True(t, IsValidation(err))
}

// 管理员令牌带着别人的 id 也不能发布，余额和信息都不变
func TestPublish_AdminRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	victim := env.newUser(t, "victim_wx1", 100)

	_, err := env.posts.Publish(ctx, Actor{UserID: victim.ID, IsAdmin: true}, sellRequest("铁矿石"))
	assert.True(t, IsValidation(err))
	_, err = env.posts.Publish(ctx, admin, sellRequest("铁矿石"))
	assert.True(t, IsValidation(err))

	assert.Equal(t, int64(100), env.balance(t, victim.ID))
	assert.Equal(t, int64(0), env.countRows(t, &model.Post{}, "1 = 1"))
	env.requireLedgerConsistent(t, victim.ID)
}

func TestDeleteListing_LocksOwnerRowFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t, "owner_wx01", 100)
	first := env.publish(t, owner, "铁矿石")
	second := env.publish(t, owner, "焦煤")

	for _, tc := range []struct {
		name   string
		actor  Actor
		postID int64
	}{
		{"发布者", actorOf(owner), first.ID},
		{"管理员", admin, second.ID},
	} {
		t.Run(tc.name, func(t *testing.T) {
			queries := env.recordTxQueries(t, func() {
				_, err := env.posts.DeleteListing(ctx, tc.actor, tc.postID)
				require.NoError(t, err)
			})
			require.NotEmpty(t, queries)
			assert.Equal(t, txQuery{table: "users", locked: true}, queries[0])
		})
	}
}
