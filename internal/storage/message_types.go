package storage

import "time"

// AnalyzeTaskMessage 申请分析任务，创建申请和会话结束时发布
type AnalyzeTaskMessage struct {
	ApplicationID string    `json:"application_id"`
	Reason        string    `json:"reason"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// ChatReplyMessage 候选人回复任务
type ChatReplyMessage struct {
	ApplicationID string                 `json:"application_id"`
	Text          string                 `json:"text"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
	ReceivedAt    time.Time              `json:"received_at"`
}
