package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/analysis"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/chat"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/constants"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

// Analyzer 执行一次申请分析
type Analyzer interface {
	Analyze(ctx context.Context, applicationID, reason string) (*analysis.Summary, error)
}

// ReplyReceiver 处理候选人回复
type ReplyReceiver interface {
	ReceiveReply(ctx context.Context, applicationID, text string, meta map[string]interface{}) (*chat.ReplyResult, error)
}

// Publisher 发布原始消息体，*storage.RabbitMQ 实现
type Publisher interface {
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error
}

// OutboxWriter 将任务写入 outbox 表，由中继补发
type OutboxWriter interface {
	EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error
}

// Dispatcher 分析与回复任务的派发入口
type Dispatcher interface {
	TriggerAnalysis(ctx context.Context, applicationID, reason string) error
	SubmitReply(ctx context.Context, msg storage.ChatReplyMessage) error
	// AnalyzeOutbox 返回与申请同事务写入的分析任务，进程内模式返回 nil，由调用方直接触发
	AnalyzeOutbox(applicationID, reason string) (*models.OutboxMessage, error)
}

// LocalDispatcher 在进程内的 KeyedPool 上执行任务
type LocalDispatcher struct {
	pool     *KeyedPool
	analyzer Analyzer
	replies  ReplyReceiver
	log      zerolog.Logger
}

func NewLocalDispatcher(pool *KeyedPool, analyzer Analyzer, replies ReplyReceiver) *LocalDispatcher {
	return &LocalDispatcher{
		pool:     pool,
		analyzer: analyzer,
		replies:  replies,
		log:      logger.With("local_dispatcher"),
	}
}

func (d *LocalDispatcher) TriggerAnalysis(ctx context.Context, applicationID, reason string) error {
	err := d.pool.Submit(applicationID, func(ctx context.Context) {
		if _, err := d.analyzer.Analyze(ctx, applicationID, reason); err != nil {
			d.log.Error().Err(err).Str("application_id", applicationID).Str("reason", reason).Msg("分析任务执行失败")
		}
	})
	if err != nil {
		d.log.Warn().Err(err).Str("application_id", applicationID).Msg("分析任务提交失败")
		return fmt.Errorf("提交分析任务失败: %w", err)
	}
	return nil
}

func (d *LocalDispatcher) SubmitReply(ctx context.Context, msg storage.ChatReplyMessage) error {
	err := d.pool.Submit(msg.ApplicationID, func(ctx context.Context) {
		if _, err := d.replies.ReceiveReply(ctx, msg.ApplicationID, msg.Text, msg.Meta); err != nil {
			d.log.Warn().Err(err).Str("application_id", msg.ApplicationID).Msg("回复任务执行失败")
		}
	})
	if err != nil {
		return fmt.Errorf("提交回复任务失败: %w", err)
	}
	return nil
}

func (d *LocalDispatcher) AnalyzeOutbox(string, string) (*models.OutboxMessage, error) {
	return nil, nil
}

// QueueDispatcher 通过 RabbitMQ 派发任务。
// 分析任务先进入内存缓冲由 Run 发布，缓冲已满或发布失败时写入 outbox。
type QueueDispatcher struct {
	publisher Publisher
	outbox    OutboxWriter
	routes    Routes
	pending   chan *models.OutboxMessage
	now       func() time.Time
	log       zerolog.Logger
}

func NewQueueDispatcher(publisher Publisher, outbox OutboxWriter, routes Routes, buffer int) *QueueDispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &QueueDispatcher{
		publisher: publisher,
		outbox:    outbox,
		routes:    routes,
		pending:   make(chan *models.OutboxMessage, buffer),
		now:       time.Now,
		log:       logger.With("queue_dispatcher"),
	}
}

func (d *QueueDispatcher) AnalyzeOutbox(applicationID, reason string) (*models.OutboxMessage, error) {
	return NewAnalyzeOutbox(d.routes, applicationID, reason, d.now())
}

func (d *QueueDispatcher) TriggerAnalysis(ctx context.Context, applicationID, reason string) error {
	msg, err := d.AnalyzeOutbox(applicationID, reason)
	if err != nil {
		return err
	}
	select {
	case d.pending <- msg:
		return nil
	default:
		d.log.Warn().Str("application_id", applicationID).Msg("派发缓冲已满，写入 outbox")
		return d.persist(ctx, msg)
	}
}

func (d *QueueDispatcher) SubmitReply(ctx context.Context, msg storage.ChatReplyMessage) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = d.now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化回复任务失败: %w", err)
	}
	if err := d.publisher.PublishMessage(ctx, d.routes.Exchange, d.routes.ChatReplyKey, body, true); err != nil {
		return fmt.Errorf("发布回复任务失败: %w", err)
	}
	d.log.Debug().Str("application_id", msg.ApplicationID).Str("event_type", constants.EventChatReply).Msg("回复任务已发布")
	return nil
}

// Run 发布缓冲中的任务，ctx 结束后把剩余任务落入 outbox
func (d *QueueDispatcher) Run(ctx context.Context) {
	d.log.Info().Int("buffer", cap(d.pending)).Msg("任务派发器已启动")
	for {
		select {
		case <-ctx.Done():
			d.drain()
			d.log.Info().Msg("任务派发器已停止")
			return
		case msg := <-d.pending:
			d.publish(ctx, msg)
		}
	}
}

func (d *QueueDispatcher) publish(ctx context.Context, msg *models.OutboxMessage) {
	err := d.publisher.PublishMessage(ctx, msg.TargetExchange, msg.TargetRoutingKey, []byte(msg.Payload), true)
	if err == nil {
		return
	}
	d.log.Warn().Err(err).Str("application_id", msg.AggregateID).Msg("发布分析任务失败，写入 outbox")
	if err := d.persist(ctx, msg); err != nil {
		d.log.Error().Err(err).Str("application_id", msg.AggregateID).Msg("写入 outbox 失败，任务丢失")
	}
}

func (d *QueueDispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-d.pending:
			if err := d.persist(ctx, msg); err != nil {
				d.log.Error().Err(err).Str("application_id", msg.AggregateID).Msg("停止时写入 outbox 失败")
			}
		default:
			return
		}
	}
}

func (d *QueueDispatcher) persist(ctx context.Context, msg *models.OutboxMessage) error {
	if err := d.outbox.EnqueueOutbox(context.WithoutCancel(ctx), msg); err != nil {
		return fmt.Errorf("写入 outbox 失败: %w", err)
	}
	return nil
}
