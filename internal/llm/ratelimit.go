package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// TokenBucket 令牌桶限流器
type TokenBucket struct {
	rate           float64 // 每秒生成的令牌数
	capacity       float64
	tokens         float64
	lastRefillTime time.Time
	mutex          sync.Mutex
	retryWaitTime  time.Duration
	maxRetries     int
}

// NewTokenBucket capacity<=0 时取 QPM 的一半
func NewTokenBucket(qpm int, capacity int) *TokenBucket {
	if qpm <= 0 {
		qpm = 30
	}
	if capacity <= 0 {
		capacity = qpm / 2
		if capacity <= 0 {
			capacity = 1
		}
	}
	return &TokenBucket{
		rate:           float64(qpm) / 60.0,
		capacity:       float64(capacity),
		tokens:         float64(capacity),
		lastRefillTime: time.Now(),
		retryWaitTime:  time.Second,
		maxRetries:     2,
	}
}

// WithRetryPolicy 设置重试间隔基数和最大重试次数
func (tb *TokenBucket) WithRetryPolicy(waitTime time.Duration, maxRetries int) *TokenBucket {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()
	if waitTime > 0 {
		tb.retryWaitTime = waitTime
	}
	if maxRetries >= 0 {
		tb.maxRetries = maxRetries
	}
	return tb
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefillTime).Seconds()
	tb.lastRefillTime = now

	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// Allow 非阻塞地尝试取一个令牌
func (tb *TokenBucket) Allow() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	tb.refill()
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// Wait 阻塞直到拿到令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mutex.Lock()
		tb.refill()
		if tb.tokens >= 1.0 {
			tb.tokens -= 1.0
			tb.mutex.Unlock()
			return nil
		}
		waitTime := time.Duration((1.0 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mutex.Unlock()

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RetryWithBackoff 先取令牌再执行，可重试错误按指数退避重试
func (tb *TokenBucket) RetryWithBackoff(ctx context.Context, fn func() error) error {
	tb.mutex.Lock()
	maxRetries, baseWait := tb.maxRetries, tb.retryWaitTime
	tb.mutex.Unlock()

	var err error
	for retry := 0; retry <= maxRetries; retry++ {
		if err = tb.Wait(ctx); err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
		if !isRetryableError(err) || retry >= maxRetries {
			return err
		}

		timer := time.NewTimer(baseWait * time.Duration(1<<uint(retry)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

var retryableMarkers = []string{
	"timeout",
	"connection reset",
	"EOF",
	"connection refused",
	"429",
	"rate limit",
	"RESOURCE_EXHAUSTED",
	"UNAVAILABLE",
	"503",
	"服务器繁忙",
	"请求超过限额",
}

// isRetryableError 按错误文本判断是否值得重试。超时由网关的 ctx 控制，不在这里重试。
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "context canceled") {
		return false
	}
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RateLimitedGenerator 给 Generator 加上限流和重试
type RateLimitedGenerator struct {
	original Generator
	bucket   *TokenBucket
}

// NewRateLimitedGenerator 包装任意 Generator
func NewRateLimitedGenerator(original Generator, qpm, maxRetries int, retryWait time.Duration) *RateLimitedGenerator {
	return &RateLimitedGenerator{
		original: original,
		bucket:   NewTokenBucket(qpm, 0).WithRetryPolicy(retryWait, maxRetries),
	}
}

// GenerateContent 实现 Generator
func (r *RateLimitedGenerator) GenerateContent(ctx context.Context, prompt string) (string, error) {
	var out string
	err := r.bucket.RetryWithBackoff(ctx, func() error {
		var genErr error
		out, genErr = r.original.GenerateContent(ctx, prompt)
		return genErr
	})
	return out, err
}
