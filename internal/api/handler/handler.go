package handler

import (
	"context"
	"errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/analysis"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/chat"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/notify"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/worker"
)

// Store 接口层直接使用的持久化能力
type Store interface {
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	GetRelevanceResult(ctx context.Context, applicationID string) (*models.RelevanceResult, error)
	SubmitApplication(ctx context.Context, sub models.ApplicationSubmission) (*models.Application, error)
	UpsertVacancy(ctx context.Context, v *models.Vacancy) error
}

// ChatService 会话状态机
type ChatService interface {
	Session(ctx context.Context, applicationID string) (*models.ChatSession, error)
	ListMessages(ctx context.Context, applicationID string) ([]models.BotMessage, error)
	MarkRead(ctx context.Context, messageID string) (*models.BotMessage, error)
	Abandon(ctx context.Context, applicationID string) (*models.ChatSession, error)
	ForceComplete(ctx context.Context, applicationID string) (*models.ChatSession, error)
}

// ChatStarter 雇主手动发起会话
type ChatStarter interface {
	StartChat(ctx context.Context, applicationID string) (*models.ChatSession, error)
}

// Sweeper 手动触发一轮超时清理
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Tokens 候选人聊天令牌
type Tokens interface {
	Issue(applicationID string) (string, time.Time, error)
	Verify(token string) (string, error)
}

// Deps 处理器依赖
type Deps struct {
	Store      Store
	Chat       ChatService
	Starter    ChatStarter
	Dispatcher worker.Dispatcher
	Sweeper    Sweeper
	Tokens     Tokens
	Hub        *notify.Hub
	// PollTimeout 长轮询默认等待时间
	PollTimeout time.Duration
}

// Handler 申请、会话与维护接口
type Handler struct {
	Deps
	validate *validator.Validate
	log      zerolog.Logger
}

const (
	defaultPollTimeout = 25 * time.Second
	maxPollTimeout     = 60 * time.Second

	// ctxKeyApplicationID 令牌中间件写入的申请ID
	ctxKeyApplicationID = "application_id"
)

func NewHandler(deps Deps) *Handler {
	if deps.PollTimeout <= 0 {
		deps.PollTimeout = defaultPollTimeout
	}
	if deps.Hub == nil {
		deps.Hub = notify.NewHub()
	}
	return &Handler{
		Deps:     deps,
		validate: validator.New(),
		log:      logger.With("api"),
	}
}

// Health GET /health
func (h *Handler) Health(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{"status": "ok"})
}

// writeError 把领域错误映射为 HTTP 状态码
func (h *Handler) writeError(c *app.RequestContext, err error) {
	status := consts.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, analysis.ErrApplicationNotFound),
		errors.Is(err, chat.ErrSessionNotFound),
		errors.Is(err, chat.ErrMessageNotFound):
		status = consts.StatusNotFound
	case errors.Is(err, models.ErrAlreadyExists),
		errors.Is(err, chat.ErrSessionExists),
		errors.Is(err, chat.ErrSessionClosed):
		status = consts.StatusConflict
	case errors.Is(err, chat.ErrEmptyReply):
		status = consts.StatusBadRequest
	case errors.Is(err, worker.ErrPoolBusy), errors.Is(err, worker.ErrPoolClosed):
		status = consts.StatusServiceUnavailable
	}
	if status == consts.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", string(c.Path())).Msg("请求处理失败")
		c.JSON(status, utils.H{"error": "内部错误"})
		return
	}
	c.JSON(status, utils.H{"error": err.Error()})
}

func (h *Handler) badRequest(c *app.RequestContext, msg string) {
	c.JSON(consts.StatusBadRequest, utils.H{"error": msg})
}

func isNotFound(err error) bool {
	return errors.Is(err, chat.ErrSessionNotFound) || errors.Is(err, models.ErrNotFound)
}

// applicationFromToken 取出令牌中间件写入的申请ID
func applicationFromToken(c *app.RequestContext) string {
	return c.GetString(ctxKeyApplicationID)
}
