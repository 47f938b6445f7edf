// Package worker 负责分析任务与候选人回复任务的派发和消费：
// 有 RabbitMQ 时经任务交换机投递，否则在进程内按申请分通道执行。
package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/analysis"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/config"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/constants"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

// Routes 任务交换机与路由键
type Routes struct {
	Exchange         string
	AnalyzeKey       string
	ChatCompletedKey string
	ChatReplyKey     string
}

func RoutesFromConfig(cfg config.RabbitMQConfig) Routes {
	return Routes{
		Exchange:         cfg.TasksExchange,
		AnalyzeKey:       cfg.AnalyzeRoutingKey,
		ChatCompletedKey: cfg.ChatCompletedRoutingKey,
		ChatReplyKey:     cfg.ChatReplyRoutingKey,
	}
}

// analyzeRoute 会话结束触发的复评走 chat.completed 路由键
func (r Routes) analyzeRoute(reason string) (routingKey, eventType string) {
	if reason == analysis.ReasonChatCompleted {
		return r.ChatCompletedKey, constants.EventChatCompleted
	}
	return r.AnalyzeKey, constants.EventApplicationAnalyze
}

// NewAnalyzeOutbox 构造一条分析任务的 outbox 记录
func NewAnalyzeOutbox(routes Routes, applicationID, reason string, at time.Time) (*models.OutboxMessage, error) {
	payload, err := json.Marshal(storage.AnalyzeTaskMessage{
		ApplicationID: applicationID,
		Reason:        reason,
		EnqueuedAt:    at.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化分析任务失败: %w", err)
	}
	key, eventType := routes.analyzeRoute(reason)
	return &models.OutboxMessage{
		AggregateID:      applicationID,
		EventType:        eventType,
		Payload:          string(payload),
		TargetExchange:   routes.Exchange,
		TargetRoutingKey: key,
		Status:           models.OutboxStatusPending,
	}, nil
}
