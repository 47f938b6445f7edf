package router

import (
	"github.com/cloudwego/hertz/pkg/app/server"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/api/handler"
)

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, hd *handler.Handler, apiKeys []string) {
	api := h.Group("/api/v1")

	api.GET("/health", hd.Health)

	// 候选人投递，公开
	api.POST("/applications", hd.SubmitApplication)

	// 候选人聊天，需要聊天令牌
	chatGroup := api.Group("/chat", hd.ChatTokenAuth())
	chatGroup.POST("/reply", hd.Reply)
	chatGroup.GET("/messages", hd.Messages)
	chatGroup.GET("/events", hd.Events)
	chatGroup.POST("/messages/:message_id/read", hd.MarkRead)
	chatGroup.POST("/abandon", hd.Abandon)

	// 雇主接口，需要 API Key
	employer := api.Group("", handler.EmployerAuth(apiKeys))
	employer.PUT("/vacancies/:id", hd.UpsertVacancy)
	employer.POST("/applications/:id/chat/token", hd.IssueChatToken)
	employer.GET("/applications/:id/results", hd.GetResults)
	employer.GET("/applications/:id/chat", hd.GetChat)
	employer.POST("/applications/:id/chat/start", hd.StartChat)
	employer.POST("/applications/:id/chat/complete", hd.CompleteChat)
	employer.POST("/applications/:id/analyze", hd.TriggerAnalysis)
	employer.POST("/maintenance/sweep", hd.Sweep)
}
