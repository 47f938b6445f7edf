package constants

import "time"

const (
	// ServiceName 用于追踪与日志
	ServiceName = "screening"

	// Consumer worker 配置键
	AnalysisConsumerWorkersKey  = "analysis_consumer_workers"
	ChatReplyConsumerWorkersKey = "chat_reply_consumer_workers"

	// 任务事件类型，同时作为 outbox.event_type
	EventApplicationAnalyze = "application.analyze"
	EventChatCompleted      = "chat.completed"
	EventChatReply          = "chat.reply"

	// 会话锁等待时间
	SessionLockWait = 10 * time.Second
)
