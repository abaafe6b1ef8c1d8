package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradeboard/internal/config"
	"tradeboard/internal/infrastructure/cache"
	"tradeboard/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	db     *gorm.DB
	cfg    *config.Config
	clock  *fakeClock
	feed   *FeedCache
	posts  *PostService
	views  *ViewService
	points *PointService
	users  *UserService
	query  *QueryService
	outbox *OutboxService
}

var admin = Actor{UserID: 900001, IsAdmin: true}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(*config.Config) {})
}

func newTestEnvWith(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 单连接让并发事务串行执行，效果等同行锁
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	cfg := &config.Config{
		Business: config.DefaultBusiness(),
		Kafka: config.KafkaConfig{Topic: config.KafkaTopicConfig{
			ListingEvent: "test.listing",
			LedgerEvent:  "test.ledger",
			UserEvent:    "test.user",
		}},
	}
	mutate(cfg)

	clock := &fakeClock{now: time.Now().Truncate(time.Second)}
	feed, err := cache.NewFeedCache[*Page[*Listing]](64, clock.Now)
	require.NoError(t, err)

	opts := Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clock.Now,
		Feed:   feed,
	}
	return &testEnv{
		db:     db,
		cfg:    cfg,
		clock:  clock,
		feed:   feed,
		posts:  NewPostService(db, cfg, opts),
		views:  NewViewService(db, cfg, opts),
		points: NewPointService(db, cfg, opts),
		users:  NewUserService(db, cfg, opts),
		query:  NewQueryService(db, cfg, opts, feed),
		outbox: NewOutboxService(db, cfg, opts),
	}
}

var phoneSeq atomic.Int64

// newUser 走注册流程拿到 100 分，再用后台调整到目标余额，流水始终完整
func (e *testEnv) newUser(t *testing.T, wechat string, points int64) *model.User {
	t.Helper()
	ctx := context.Background()
	user, err := e.users.CreateUser(ctx, &CreateUserRequest{
		Phone:    fmt.Sprintf("139%08d", phoneSeq.Add(1)),
		WechatID: wechat,
	})
	require.NoError(t, err)

	if delta := points - user.Points; delta != 0 {
		_, err := e.points.AdminAdjust(ctx, admin, user.ID, delta, "测试调整")
		require.NoError(t, err)
		user.Points = points
	}
	return user
}

func actorOf(u *model.User) Actor {
	return Actor{UserID: u.ID, Status: model.UserStatusActive}
}

func sellRequest(title string) *PublishRequest {
	return &PublishRequest{
		Title:     title,
		Keywords:  title,
		TradeType: model.TradeTypeSell,
	}
}

func (e *testEnv) publish(t *testing.T, owner *model.User, title string) *model.Post {
	t.Helper()
	result, err := e.posts.Publish(context.Background(), actorOf(owner), sellRequest(title))
	require.NoError(t, err)
	return result.Post
}

func (e *testEnv) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := e.points.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b.Points
}

func (e *testEnv) requireLedgerConsistent(t *testing.T, userIDs ...int64) {
	t.Helper()
	for _, id := range userIDs {
		report, err := e.points.VerifyLedger(context.Background(), id)
		require.NoError(t, err)
		require.Truef(t, report.Consistent, "ledger broken for user %d: %+v", id, report)
	}
}

func (e *testEnv) countRows(t *testing.T, m interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(m).Where(query, args...).Count(&n).Error)
	return n
}

type txQuery struct {
	table  string
	locked bool
}

// recordTxQueries 记录 fn 执行期间事务内 SELECT 的顺序以及是否带 FOR UPDATE
func (e *testEnv) recordTxQueries(t *testing.T, fn func()) []txQuery {
	t.Helper()
	var (
		mu      sync.Mutex
		on      atomic.Bool
		queries []txQuery
	)
	name := "test:record_tx_queries:" + t.Name()
	err := e.db.Callback().Query().Before("gorm:query").Register(name, func(db *gorm.DB) {
		if !on.Load() {
			return
		}
		if _, inTx := db.Statement.ConnPool.(*sql.Tx); !inTx {
			return
		}
		_, locked := db.Statement.Clauses["FOR"]
		mu.Lock()
		queries = append(queries, txQuery{table: db.Statement.Table, locked: locked})
		mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.db.Callback().Query().Remove(name) })

	on.Store(true)
	fn()
	on.Store(false)

	mu.Lock()
	defer mu.Unlock()
	return append([]txQuery(nil), queries...)
}
