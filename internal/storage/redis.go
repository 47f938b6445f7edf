package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/config"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/constants"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/tracing"
)

const (
	defaultLockTTL = 30 * time.Second
	// 锁被占用时的重试间隔
	lockRetryMin = 20 * time.Millisecond
	lockRetryMax = 200 * time.Millisecond
)

// ErrLockTimeout 等待分布式锁超时
var ErrLockTimeout = errors.New("等待分布式锁超时")

// 释放锁的Lua脚本: 只有持有者才能删除
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

var redisTracer = otel.Tracer("screening/storage/redis")

// Redis操作前缀采样率配置
var redisKeySamplingRates = map[string]float64{
	constants.AppPrefix + ":" + constants.ChatModulePrefix + ":" + constants.EntityLock:        0.2,
	constants.AppPrefix + ":" + constants.MaintenanceModulePrefix + ":" + constants.EntityLock: 1.0,
}

var (
	rnd      = rand.New(rand.NewSource(time.Now().UnixNano()))
	rndMutex sync.Mutex
)

// shouldSampleRedisOp 根据key前缀决定是否需要创建span
func shouldSampleRedisOp(key string) bool {
	if key == "" {
		return false
	}
	for prefix, rate := range redisKeySamplingRates {
		if strings.HasPrefix(key, prefix) {
			return randFloat() < rate
		}
	}
	return randFloat() < 0.05
}

func randFloat() float64 {
	rndMutex.Lock()
	defer rndMutex.Unlock()
	return rnd.Float64()
}

func randInt() int64 {
	rndMutex.Lock()
	defer rndMutex.Unlock()
	return rnd.Int63()
}

// Redis 封装 Redis 客户端，提供会话锁与清理任务锁
type Redis struct {
	Client  *redis.Client
	lockTTL time.Duration
}

// NewRedisAdapter 创建连接并挂载 OpenTelemetry 钩子
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		MaxRetries:   cfg.MaxRetries,
	}
	client := redis.NewClient(opt)

	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client:  client,
		lockTTL: config.GetDuration(cfg.LockTTL, defaultLockTTL),
	}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// AcquireLock 尝试获取一个分布式锁，未获取到时返回空 token
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	lockValue := fmt.Sprintf("%d-%d", time.Now().UnixNano(), randInt())
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return lockValue, nil
}

// ReleaseLock 释放一个分布式锁，使用Lua脚本保证原子性
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	res, err := r.Client.Eval(ctx, releaseLockScript, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}
	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}
	// 锁已过期或不属于当前持有者
	return false, nil
}

// Lock 阻塞等待锁直到 ctx 结束，实现 chat.Locker
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	var span trace.Span
	if shouldSampleRedisOp(key) {
		ctx, span = redisTracer.Start(ctx, "Redis.Lock", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
		)
	}

	wait := lockRetryMin
	attempts := 0
	for {
		attempts++
		token, err := r.AcquireLock(ctx, key, r.lockTTL)
		if err != nil {
			if span != nil {
				tracing.RecordError(span, err, tracing.ErrorTypeRedis)
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if token != "" {
			if span != nil {
				span.SetAttributes(attribute.Int("lock.attempts", attempts))
				span.SetStatus(codes.Ok, "")
			}
			return r.unlocker(key, token), nil
		}

		select {
		case <-ctx.Done():
			if span != nil {
				span.SetStatus(codes.Error, "lock wait timeout")
			}
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(wait):
		}
		if wait *= 2; wait > lockRetryMax {
			wait = lockRetryMax
		}
	}
}

// TryLock 只尝试一次，用于集群内只需一个实例执行的定时任务
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token, err := r.AcquireLock(ctx, key, ttl)
	if err != nil {
		return nil, false, err
	}
	if token == "" {
		return nil, false, nil
	}
	return r.unlocker(key, token), true, nil
}

func (r *Redis) unlocker(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// 释放使用独立的 ctx，调用方 ctx 可能已取消
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_, _ = r.ReleaseLock(ctx, key, token)
		})
	}
}
