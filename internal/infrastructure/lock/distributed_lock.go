package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 积分操作的分布式锁
// ============================================================================
//
// 同一用户并发发布、查看时，真正保证不超扣的是数据库里的条件 UPDATE：
//
//   UPDATE users SET points = points - ? WHERE id = ? AND points >= ?
//
// 这里的锁只是把同一用户的请求在进入事务前排队，减少行锁等待和死锁重试。
// Redis 不可用时服务照常工作，只是少了这一层排队。
//
// 加锁：SET key value NX EX timeout
// 释放：Lua 脚本比较 value 后再 DEL，避免删掉别人的锁
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁持有者标识
	expiration time.Duration // 锁的过期时间
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// ============================================================================
// 按用户维度的积分锁
// ============================================================================

// Locker 服务层依赖的锁接口，nil 表示不加锁
type Locker interface {
	LockUser(ctx context.Context, userID int64) (unlock func(), err error)
}

// UserLocker 基于 Redis 的 Locker 实现
type UserLocker struct {
	client        *redis.Client
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewUserLocker(client *redis.Client, expiration time.Duration) *UserLocker {
	return &UserLocker{
		client:        client,
		expiration:    expiration,
		retryInterval: 50 * time.Millisecond,
		maxRetries:    40,
	}
}

func UserLockKey(userID int64) string {
	return fmt.Sprintf("points:lock:user:%d", userID)
}

func (u *UserLocker) LockUser(ctx context.Context, userID int64) (func(), error) {
	l := NewDistributedLock(u.client, UserLockKey(userID), uuid.NewString(), u.expiration)
	if err := l.Lock(ctx, u.retryInterval, u.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// 请求 ctx 可能已取消，释放锁用独立的短超时
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Unlock(unlockCtx)
	}, nil
}
