// Package notify 把聊天与分析事件按申请ID扇出给实时订阅方。投递至多一次，不做回放。
package notify

import (
	"time"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/scoring"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

// Kind 事件类型
type Kind string

const (
	KindBotMessage       Kind = "bot_message"
	KindRelevanceUpdate  Kind = "relevance_update"
	KindChatInitialized  Kind = "chat_initialized"
	KindAnalysisComplete Kind = "analysis_complete"
)

// Event 以申请ID为主题的事件
type Event struct {
	Topic   string    `json:"application_id"`
	Kind    Kind      `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// BotMessagePayload 新消息
type BotMessagePayload struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// RelevancePayload 相关度更新
type RelevancePayload struct {
	Score   float64               `json:"score"`
	Reasons []scoring.Discrepancy `json:"reasons"`
	Summary string                `json:"summary"`
}

// ChatInitializedPayload 会话已创建
type ChatInitializedPayload struct {
	ChatSessionID string `json:"chat_session_id"`
}

// AnalysisCompletePayload 分析结束
type AnalysisCompletePayload struct {
	Score     float64   `json:"score"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// BotMessageEvent 由持久化的消息构造事件
func BotMessageEvent(applicationID string, m *models.BotMessage) Event {
	return Event{
		Topic: applicationID,
		Kind:  KindBotMessage,
		Payload: BotMessagePayload{
			ID:        m.ID,
			Sender:    m.Sender,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		},
		At: time.Now(),
	}
}

func RelevanceUpdateEvent(applicationID string, score float64, reasons []scoring.Discrepancy, summary string) Event {
	if reasons == nil {
		reasons = []scoring.Discrepancy{}
	}
	return Event{
		Topic:   applicationID,
		Kind:    KindRelevanceUpdate,
		Payload: RelevancePayload{Score: score, Reasons: reasons, Summary: summary},
		At:      time.Now(),
	}
}

func ChatInitializedEvent(applicationID, sessionID string) Event {
	return Event{
		Topic:   applicationID,
		Kind:    KindChatInitialized,
		Payload: ChatInitializedPayload{ChatSessionID: sessionID},
		At:      time.Now(),
	}
}

func AnalysisCompleteEvent(applicationID string, score float64, summary string, at time.Time) Event {
	return Event{
		Topic:   applicationID,
		Kind:    KindAnalysisComplete,
		Payload: AnalysisCompletePayload{Score: score, Summary: summary, Timestamp: at},
		At:      time.Now(),
	}
}
