package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/analysis"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/chat"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/tracing"
)

var consumerTracer = otel.Tracer("screening/worker")

const defaultRequeueDelay = time.Second

// Broker 启动队列消费，*storage.RabbitMQ 实现
type Broker interface {
	StartConsumer(ctx context.Context, queueName string, prefetchCount int, handler storage.DeliveryHandler) (<-chan struct{}, error)
}

// Consumer 分析队列与回复队列的消息处理
type Consumer struct {
	analyzer     Analyzer
	replies      ReplyReceiver
	requeueDelay time.Duration
	log          zerolog.Logger
}

func NewConsumer(analyzer Analyzer, replies ReplyReceiver) *Consumer {
	return &Consumer{
		analyzer:     analyzer,
		replies:      replies,
		requeueDelay: defaultRequeueDelay,
		log:          logger.With("task_consumer"),
	}
}

// Start 在队列上启动 workers 个消费者，返回全部消费者的结束信号
func (c *Consumer) Start(ctx context.Context, broker Broker, queue string, workers, prefetch int, handler storage.DeliveryHandler) ([]<-chan struct{}, error) {
	if workers <= 0 {
		workers = 1
	}
	done := make([]<-chan struct{}, 0, workers)
	for i := 0; i < workers; i++ {
		ch, err := broker.StartConsumer(ctx, queue, prefetch, handler)
		if err != nil {
			return done, err
		}
		done = append(done, ch)
	}
	c.log.Info().Str("queue", queue).Int("workers", workers).Int("prefetch_count", prefetch).Msg("队列消费者已启动")
	return done, nil
}

// HandleAnalysis 处理分析任务。申请不存在或消息无法解析时确认丢弃，其余失败重新入队。
func (c *Consumer) HandleAnalysis(ctx context.Context, body []byte) bool {
	ctx, span := consumerTracer.Start(ctx, "worker.HandleAnalysis", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var task storage.AnalyzeTaskMessage
	if err := json.Unmarshal(body, &task); err != nil || task.ApplicationID == "" {
		c.log.Error().Err(err).Str("body", tracing.TruncateString(string(body), 256)).Msg("无法解析分析任务，丢弃")
		tracing.RecordError(span, errors.Join(err, errors.New("invalid analyze task")), tracing.ErrorTypeValidation)
		return true
	}
	span.SetAttributes(
		attribute.String("application.id", task.ApplicationID),
		attribute.String("analysis.reason", task.Reason),
	)

	_, err := c.analyzer.Analyze(ctx, task.ApplicationID, task.Reason)
	switch {
	case err == nil:
		return true
	case errors.Is(err, analysis.ErrApplicationNotFound):
		c.log.Warn().Str("application_id", task.ApplicationID).Msg("申请不存在，丢弃分析任务")
		tracing.RecordError(span, err, tracing.ErrorTypeNotFound)
		return true
	default:
		c.log.Error().Err(err).Str("application_id", task.ApplicationID).Msg("分析任务失败，重新入队")
		tracing.RecordRabbitMQNack(span, "analysis", err.Error())
		c.backoff(ctx)
		return false
	}
}

// HandleChatReply 处理候选人回复。会话不存在、已结束或回复为空时确认丢弃。
func (c *Consumer) HandleChatReply(ctx context.Context, body []byte) bool {
	ctx, span := consumerTracer.Start(ctx, "worker.HandleChatReply", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var msg storage.ChatReplyMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.ApplicationID == "" {
		c.log.Error().Err(err).Str("body", tracing.TruncateString(string(body), 256)).Msg("无法解析回复任务，丢弃")
		tracing.RecordError(span, errors.Join(err, errors.New("invalid chat reply")), tracing.ErrorTypeValidation)
		return true
	}
	span.SetAttributes(
		attribute.String("application.id", msg.ApplicationID),
		attribute.String("reply.text", tracing.SafeAttributeValue("reply_text", msg.Text, tracing.MaxMessageLength)),
	)

	_, err := c.replies.ReceiveReply(ctx, msg.ApplicationID, msg.Text, msg.Meta)
	switch {
	case err == nil:
		return true
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, chat.ErrSessionClosed), errors.Is(err, chat.ErrEmptyReply):
		c.log.Warn().Err(err).Str("application_id", msg.ApplicationID).Msg("回复无法处理，丢弃")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return true
	default:
		c.log.Error().Err(err).Str("application_id", msg.ApplicationID).Msg("回复处理失败，重新入队")
		tracing.RecordRabbitMQNack(span, "chat_reply", err.Error())
		c.backoff(ctx)
		return false
	}
}

// backoff 拒绝前稍作等待，避免同一条消息立即被重新投递
func (c *Consumer) backoff(ctx context.Context) {
	if c.requeueDelay <= 0 {
		return
	}
	t := time.NewTimer(c.requeueDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
