// Package sweeper 定期把长时间无活动的聊天会话置为超时，对应申请标记为 no_response。
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/constants"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/tracing"
)

const (
	DefaultTimeout  = 24 * time.Hour
	DefaultInterval = time.Hour
)

var sweeperTracer = otel.Tracer("screening/sweeper")

// Store 批量过期会话
type Store interface {
	ExpireInactiveSessions(ctx context.Context, cutoff, now time.Time) (int, error)
}

// ClusterLock 集群内互斥，未拿到锁的实例跳过本轮
type ClusterLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Sweeper 会话超时清理
type Sweeper struct {
	store    Store
	lock     ClusterLock
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Sweeper)

// WithClusterLock 多实例部署时使用 Redis 锁
func WithClusterLock(l ClusterLock) Option {
	return func(s *Sweeper) { s.lock = l }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func New(store Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		timeout:  DefaultTimeout,
		interval: DefaultInterval,
		now:      time.Now,
		log:      logger.With("sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep 执行一轮清理，返回超时的会话数。
// 与正在处理中的回复并发时以最后一次写入为准。
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := sweeperTracer.Start(ctx, "sweeper.Sweep")
	defer span.End()

	now := s.now().UTC()
	cutoff := now.Add(-s.timeout)
	n, err := s.store.ExpireInactiveSessions(ctx, cutoff, now)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return 0, err
	}
	span.SetAttributes(attribute.Int("sweeper.expired", n))
	if n > 0 {
		s.log.Info().Int("expired", n).Time("cutoff", cutoff).Msg("已将无活动会话置为超时")
	}
	return n, nil
}

// Run 按间隔执行清理直到 ctx 结束
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.interval).Dur("timeout", s.timeout).Msg("会话超时清理已启动")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("会话超时清理已停止")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.lock != nil {
		release, ok, err := s.lock.TryLock(ctx, constants.KeySweeperLock, s.interval)
		if err != nil {
			s.log.Warn().Err(err).Msg("获取清理锁失败，跳过本轮")
			return
		}
		if !ok {
			s.log.Debug().Msg("其他实例正在清理，跳过本轮")
			return
		}
		defer release()
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Error().Err(err).Msg("会话超时清理失败")
	}
}
