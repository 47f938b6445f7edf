// Package outbox 实现发件箱中继：轮询与业务数据同事务写入的任务行并发布到 RabbitMQ。
package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/tracing"
)

const (
	defaultPollingInterval = 2 * time.Second
	defaultBatchSize       = 20
	maxRetryCount          = 5
)

// Publisher 发布原始消息体
type Publisher interface {
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error
}

// MessageRelay 轮询 outbox 表并发布待处理的任务
type MessageRelay struct {
	db              *gorm.DB
	publisher       Publisher
	log             zerolog.Logger
	pollingInterval time.Duration
	batchSize       int
	tracer          trace.Tracer
}

// Option 中继配置项
type Option func(*MessageRelay)

func WithPollingInterval(d time.Duration) Option {
	return func(r *MessageRelay) {
		if d > 0 {
			r.pollingInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *MessageRelay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func NewMessageRelay(db *gorm.DB, publisher Publisher, opts ...Option) *MessageRelay {
	r := &MessageRelay{
		db:              db,
		publisher:       publisher,
		log:             logger.With("outbox_relay"),
		pollingInterval: defaultPollingInterval,
		batchSize:       defaultBatchSize,
		tracer:          otel.Tracer("screening/outbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 轮询直到 ctx 结束
func (r *MessageRelay) Run(ctx context.Context) {
	r.log.Info().Dur("interval", r.pollingInterval).Msg("MessageRelay 已启动")
	ticker := time.NewTicker(r.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("MessageRelay 已停止")
			return
		case <-ticker.C:
			if err := r.processPendingMessages(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("处理 outbox 消息失败")
			}
		}
	}
}

// processPendingMessages 锁定一批 PENDING 行并逐条发布。
// FOR UPDATE SKIP LOCKED 让多个实例可以并行中继而不重复发布。
func (r *MessageRelay) processPendingMessages(ctx context.Context) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer tx.Rollback()

	var messages []models.OutboxMessage
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", models.OutboxStatusPending).
		Order("created_at asc").
		Limit(r.batchSize).
		Find(&messages).Error; err != nil {
		return err
	}
	// 空轮询不创建 span
	if len(messages) == 0 {
		return tx.Commit().Error
	}

	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(messages))))
	defer span.End()

	sent := 0
	for i := range messages {
		msg := &messages[i]
		err := r.publisher.PublishMessage(ctx, msg.TargetExchange, msg.TargetRoutingKey, []byte(msg.Payload), true)
		if err != nil {
			msg.RetryCount++
			msg.ErrorMessage = err.Error()
			if msg.RetryCount >= maxRetryCount {
				msg.Status = models.OutboxStatusFailed
			}
			tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
			r.log.Warn().Err(err).
				Uint64("outbox_id", msg.ID).
				Str("application_id", msg.AggregateID).
				Str("event_type", msg.EventType).
				Int("retries", msg.RetryCount).
				Msg("发布 outbox 消息失败")
		} else {
			now := time.Now()
			msg.Status = models.OutboxStatusSent
			msg.ProcessedAt = &now
			msg.ErrorMessage = ""
			sent++
		}

		// 更新失败时整批回滚，下一轮重新拾取
		if err := tx.Save(msg).Error; err != nil {
			return err
		}
	}

	span.SetAttributes(attribute.Int("outbox.sent", sent))
	r.log.Debug().Int("fetched", len(messages)).Int("sent", sent).Msg("outbox 批次处理完成")
	return tx.Commit().Error
}
