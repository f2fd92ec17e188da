package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript 只删除仍由本 token 持有的键，避免误删过期后被他人重新获得的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis 是跨进程实现：SET NX + TTL。多个部署实例共享同一 Redis 时生效。
type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "alpinehuts:lock:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{Client: client, Prefix: prefix, TTL: ttl}
}

func (r *Redis) key(hutID int) string {
	return fmt.Sprintf("%s%d", r.Prefix, hutID)
}

func (r *Redis) TryLock(ctx context.Context, hutID int) (func(), error) {
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, r.key(hutID), token, r.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis 加锁失败：%w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 释放用独立 ctx：单元 ctx 可能已超时，但锁仍需归还。
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, r.Client, []string{r.key(hutID)}, token).Err()
		})
	}, nil
}

// Dial 解析 redis URL（redis://host:port/db）或裸地址并建立客户端。
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	var opts *redis.Options
	if o, err := redis.ParseURL(addr); err == nil {
		opts = o
	} else {
		opts = &redis.Options{Addr: addr}
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis 不可达（%s）：%w", addr, err)
	}
	return c, nil
}
