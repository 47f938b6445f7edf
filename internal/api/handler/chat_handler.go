package handler

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/chat"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/notify"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

// ReplyRequest POST /chat/reply
type ReplyRequest struct {
	Text string                 `json:"text" validate:"required,max=4000"`
	Meta map[string]interface{} `json:"meta"`
}

// ChatView 会话与有序消息
type ChatView struct {
	ApplicationID string              `json:"application_id"`
	Session       *models.ChatSession `json:"session"`
	Messages      []models.BotMessage `json:"messages"`
}

// Reply 候选人回复，交给回复任务异步处理，结果通过事件推送
// POST /api/v1/chat/reply
func (h *Handler) Reply(ctx context.Context, c *app.RequestContext) {
	appID := applicationFromToken(c)
	var req ReplyRequest
	if !h.bindJSON(c, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		h.writeError(c, chat.ErrEmptyReply)
		return
	}

	// 会话不存在或已结束时直接拒绝，不进入队列
	session, err := h.Chat.Session(ctx, appID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if session.Terminal() {
		h.writeError(c, chat.ErrSessionClosed)
		return
	}

	err = h.Dispatcher.SubmitReply(ctx, storage.ChatReplyMessage{
		ApplicationID: appID,
		Text:          text,
		Meta:          req.Meta,
		ReceivedAt:    time.Now().UTC(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusAccepted, utils.H{"application_id": appID, "status": "accepted"})
}

// Messages GET /api/v1/chat/messages
func (h *Handler) Messages(ctx context.Context, c *app.RequestContext) {
	h.writeChat(ctx, c, applicationFromToken(c))
}

// Events 长轮询：等待首个事件或超时，返回期间收到的全部事件
// GET /api/v1/chat/events?timeout=25s
func (h *Handler) Events(ctx context.Context, c *app.RequestContext) {
	appID := applicationFromToken(c)
	wait := h.PollTimeout
	if raw := c.Query("timeout"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			wait = d
		}
	}
	if wait > maxPollTimeout {
		wait = maxPollTimeout
	}

	sub := h.Hub.Subscribe(appID)
	defer sub.Close()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	events := make([]notify.Event, 0, 4)
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	case ev, ok := <-sub.C:
		if ok {
			events = append(events, ev)
		}
	drain:
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					break drain
				}
				events = append(events, ev)
			default:
				break drain
			}
		}
	}
	c.JSON(consts.StatusOK, utils.H{"application_id": appID, "events": events})
}

// MarkRead 只允许标记本申请会话中的消息
// POST /api/v1/chat/messages/:message_id/read
func (h *Handler) MarkRead(ctx context.Context, c *app.RequestContext) {
	appID := applicationFromToken(c)
	messageID := c.Param("message_id")

	msgs, err := h.Chat.ListMessages(ctx, appID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	owned := false
	for i := range msgs {
		if msgs[i].ID == messageID {
			owned = true
			break
		}
	}
	if !owned {
		h.writeError(c, chat.ErrMessageNotFound)
		return
	}

	msg, err := h.Chat.MarkRead(ctx, messageID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, msg)
}

// Abandon 候选人退出会话
// POST /api/v1/chat/abandon
func (h *Handler) Abandon(ctx context.Context, c *app.RequestContext) {
	session, err := h.Chat.Abandon(ctx, applicationFromToken(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, session)
}

// GetChat 雇主查看会话
// GET /api/v1/applications/:id/chat
func (h *Handler) GetChat(ctx context.Context, c *app.RequestContext) {
	appID := c.Param("id")
	if _, err := h.Store.GetApplication(ctx, appID); err != nil {
		h.writeError(c, err)
		return
	}
	h.writeChat(ctx, c, appID)
}

// StartChat 雇主手动发起会话，已有会话时直接返回
// POST /api/v1/applications/:id/chat/start
func (h *Handler) StartChat(ctx context.Context, c *app.RequestContext) {
	session, err := h.Starter.StartChat(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, session)
}

// CompleteChat 雇主结束会话并触发复评
// POST /api/v1/applications/:id/chat/complete
func (h *Handler) CompleteChat(ctx context.Context, c *app.RequestContext) {
	session, err := h.Chat.ForceComplete(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, session)
}

func (h *Handler) writeChat(ctx context.Context, c *app.RequestContext, appID string) {
	view := ChatView{ApplicationID: appID}
	session, err := h.Chat.Session(ctx, appID)
	switch {
	case err == nil:
		view.Session = session
	case !isNotFound(err):
		h.writeError(c, err)
		return
	}
	msgs, err := h.Chat.ListMessages(ctx, appID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.BotMessage{}
	}
	view.Messages = msgs
	c.JSON(consts.StatusOK, view)
}
