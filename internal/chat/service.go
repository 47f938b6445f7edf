// Package chat 管理候选人聊天会话的生命周期：初始化问题、接收回复、推导下一个问题以及结束会话。
// 待回答的问题完全由有序的消息日志推导，不维护单独的游标。
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/constants"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/notify"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/tracing"
)

const (
	welcomeTemplate = "Привет! Спасибо за отклик на вакансию '%s'. Давайте уточним несколько моментов для лучшего понимания вашей кандидатуры."
	strongMatchText = "Отлично! Ваш профиль хорошо соответствует требованиям вакансии. Работодатель рассмотрит вашу кандидатуру в ближайшее время."
	completionText  = "Спасибо за ответы! Ваши данные сохранены."
	abandonedText   = "Диалог завершён по вашему запросу. Спасибо за уделённое время!"

	expectedAnswerText = "text"
)

// ReasonChatCompleted 会话结束后触发复评的原因
const ReasonChatCompleted = "chat_completed"

var chatTracer = otel.Tracer("screening/chat")

// Store 会话状态机需要的持久化能力
type Store interface {
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	GetVacancy(ctx context.Context, id string) (*models.Vacancy, error)
	FindSessionByApplication(ctx context.Context, applicationID string) (*models.ChatSession, error)
	InitSession(ctx context.Context, in models.SessionInit) error
	ListMessages(ctx context.Context, owner models.MessageOwner) ([]models.BotMessage, error)
	AppendMessage(ctx context.Context, msg *models.BotMessage) error
	SaveCandidateResponse(ctx context.Context, resp *models.CandidateResponse) error
	TouchSession(ctx context.Context, p models.SessionProgress) error
	CompleteSession(ctx context.Context, c models.SessionCompletion) error
	MarkMessageRead(ctx context.Context, messageID string, at time.Time) (*models.BotMessage, error)
}

// EventSink 非阻塞的事件出口
type EventSink interface {
	Notify(ev notify.Event) bool
}

// AnalysisTrigger 异步触发申请的复评，调用方不等待结果
type AnalysisTrigger interface {
	TriggerAnalysis(ctx context.Context, applicationID, reason string) error
}

// ReplyStatus 处理回复后的会话走向
type ReplyStatus string

const (
	ReplyContinue  ReplyStatus = "continue"
	ReplyCompleted ReplyStatus = "completed"
)

// ReplyResult 处理候选人回复的结果
type ReplyResult struct {
	Status        ReplyStatus         `json:"status"`
	NextQuestion  *models.BotMessage  `json:"next_question,omitempty"`
	Message       string              `json:"message,omitempty"`
	SessionActive bool                `json:"session_active"`
	Reply         *models.BotMessage  `json:"reply"`
	Session       *models.ChatSession `json:"-"`
}

// Service 会话状态机
type Service struct {
	store    Store
	locker   Locker
	events   EventSink
	trigger  AnalysisTrigger
	lockWait time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// Option 服务配置项
type Option func(*Service)

func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithEvents(e EventSink) Option {
	return func(s *Service) { s.events = e }
}

func WithTrigger(t AnalysisTrigger) Option {
	return func(s *Service) { s.trigger = t }
}

func WithLockWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockWait = d
		}
	}
}

// WithClock 测试中替换时间源
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService 默认使用进程内锁
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		locker:   NewKeyedMutex(),
		lockWait: constants.SessionLockWait,
		now:      time.Now,
		log:      logger.With("chat"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTrigger 在调度器创建后注入复评触发器
func (s *Service) SetTrigger(t AnalysisTrigger) {
	s.trigger = t
}

// Initialize 为申请创建会话并发出欢迎语和问题。
// 已有会话时原样返回并附带 ErrSessionExists。
func (s *Service) Initialize(ctx context.Context, app *models.Application, questions, discrepancies []string) (*models.ChatSession, error) {
	if app == nil {
		return nil, errors.New("application is nil")
	}
	ctx, span := chatTracer.Start(ctx, "chat.Initialize")
	defer span.End()
	span.SetAttributes(attribute.String("application.id", app.ID), attribute.Int("chat.questions", len(questions)))

	existing, err := s.store.FindSessionByApplication(ctx, app.ID)
	switch {
	case err == nil:
		return existing, newSessionError(app.ID, "initialize", ErrSessionExists)
	case !errors.Is(err, models.ErrNotFound):
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, newStoreError(app.ID, "find_session", err)
	}

	title := ""
	if vacancy, err := s.store.GetVacancy(ctx, app.VacancyID); err != nil {
		s.log.Warn().Err(err).Str("application_id", app.ID).Msg("读取职位失败，欢迎语不含职位名称")
	} else {
		title = vacancy.Title
	}

	now := s.now().UTC()
	sessionData := models.SessionData{Discrepancies: discrepancies, GeneratedAt: now}
	if sessionData.Discrepancies == nil {
		sessionData.Discrepancies = []string{}
	}
	session := &models.ChatSession{
		ID:             models.NewID(),
		ApplicationID:  app.ID,
		IsActive:       true,
		Status:         models.SessionStatusActive,
		TotalQuestions: len(questions),
		SessionData:    models.MustJSON(sessionData),
		LastActivity:   now,
	}

	welcome := newBotMessage(session.ID, models.MessageTypeWelcome, fmt.Sprintf(welcomeTemplate, title), now)
	messages := []*models.BotMessage{welcome}

	strongMatch := len(discrepancies) == 0
	if strongMatch {
		info := newBotMessage(session.ID, models.MessageTypeInfo, strongMatchText, now.Add(time.Microsecond))
		info.ParentMessageID = &welcome.ID
		messages = append(messages, info)

		session.IsActive = false
		session.Status = models.SessionStatusCompleted
		session.TotalQuestions = 0
		session.CompletedAt = &now
	} else {
		for i, q := range questions {
			m := newBotMessage(session.ID, models.MessageTypeQuestion, q, now.Add(time.Duration(i+1)*time.Microsecond))
			m.IsQuestion = true
			m.QuestionCategory = CategoryFor(i)
			m.ExpectedAnswerType = expectedAnswerText
			m.ParentMessageID = &welcome.ID
			messages = append(messages, m)
		}
	}

	err = s.store.InitSession(ctx, models.SessionInit{
		Session:             session,
		Messages:            messages,
		CompleteApplication: strongMatch,
		At:                  now,
	})
	if errors.Is(err, models.ErrAlreadyExists) {
		// 并发初始化，另一方已经创建
		existing, findErr := s.store.FindSessionByApplication(ctx, app.ID)
		if findErr != nil {
			return nil, newStoreError(app.ID, "find_session", findErr)
		}
		return existing, newSessionError(app.ID, "initialize", ErrSessionExists)
	}
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, newStoreError(app.ID, "init_session", err)
	}

	s.log.Info().
		Str("application_id", app.ID).
		Str("session_id", session.ID).
		Int("questions", session.TotalQuestions).
		Bool("strong_match", strongMatch).
		Msg("聊天会话已初始化")

	s.notify(notify.ChatInitializedEvent(app.ID, session.ID))
	for _, m := range messages {
		s.notify(notify.BotMessageEvent(app.ID, m))
	}
	return session, nil
}

// ReceiveReply 追加候选人回复并推进会话，同一会话上的调用被串行化
func (s *Service) ReceiveReply(ctx context.Context, applicationID, text string, meta map[string]interface{}) (*ReplyResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newSessionError(applicationID, "receive_reply", ErrEmptyReply)
	}

	ctx, span := chatTracer.Start(ctx, "chat.ReceiveReply")
	defer span.End()
	span.SetAttributes(
		attribute.String("application.id", applicationID),
		attribute.String("chat.reply", tracing.SafeMessageText(text)),
	)

	var result *ReplyResult
	err := s.withSession(ctx, applicationID, "receive_reply", func(session *models.ChatSession) error {
		log, err := s.store.ListMessages(ctx, models.SessionOwner(session.ID))
		if err != nil {
			return newStoreError(applicationID, "list_messages", err)
		}
		now := s.now().UTC()

		pending := NextQuestion(log)
		reply := newBotMessage(session.ID, models.MessageTypeResponse, text, nextTimestamp(log, now))
		reply.Sender = models.SenderCandidate
		if pending != nil {
			reply.ParentMessageID = &pending.ID
		}
		if len(meta) > 0 {
			reply.Metadata = models.MustJSON(meta)
		}
		if err := s.store.AppendMessage(ctx, reply); err != nil {
			return newStoreError(applicationID, "append_message", err)
		}
		s.notify(notify.BotMessageEvent(applicationID, reply))

		if pending != nil {
			s.saveResponse(ctx, session, pending, text, meta)
		}

		log = append(log, *reply)
		answered := AnsweredCount(log)
		next := NextQuestion(log)
		if next != nil {
			progress := models.SessionProgress{
				SessionID:            session.ID,
				QuestionsAnswered:    answered,
				CurrentQuestionIndex: QuestionIndex(log, next.ID),
				At:                   now,
			}
			if err := s.store.TouchSession(ctx, progress); err != nil {
				return newStoreError(applicationID, "touch_session", err)
			}
			session.QuestionsAnswered = progress.QuestionsAnswered
			session.CurrentQuestionIndex = progress.CurrentQuestionIndex
			session.LastActivity = now

			s.notify(notify.BotMessageEvent(applicationID, next))
			result = &ReplyResult{Status: ReplyContinue, NextQuestion: next, SessionActive: true, Reply: reply, Session: session}
			return nil
		}

		completion := newBotMessage(session.ID, models.MessageTypeCompletion, completionText, nextTimestamp(log, now))
		if err := s.complete(ctx, session, models.SessionStatusCompleted, answered, completion, now); err != nil {
			return err
		}
		result = &ReplyResult{Status: ReplyCompleted, Message: completionText, SessionActive: false, Reply: reply, Session: session}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return nil, err
	}

	span.SetAttributes(attribute.String("chat.status", string(result.Status)))
	if result.Status == ReplyCompleted {
		s.triggerAnalysis(ctx, applicationID)
	}
	return result, nil
}

// ForceComplete 雇主手动结束会话，随后触发复评
func (s *Service) ForceComplete(ctx context.Context, applicationID string) (*models.ChatSession, error) {
	var out *models.ChatSession
	err := s.withSession(ctx, applicationID, "force_complete", func(session *models.ChatSession) error {
		log, err := s.store.ListMessages(ctx, models.SessionOwner(session.ID))
		if err != nil {
			return newStoreError(applicationID, "list_messages", err)
		}
		now := s.now().UTC()
		completion := newBotMessage(session.ID, models.MessageTypeCompletion, completionText, nextTimestamp(log, now))
		if err := s.complete(ctx, session, models.SessionStatusCompleted, AnsweredCount(log), completion, now); err != nil {
			return err
		}
		out = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.triggerAnalysis(ctx, applicationID)
	return out, nil
}

// Abandon 候选人主动退出，不触发复评
func (s *Service) Abandon(ctx context.Context, applicationID string) (*models.ChatSession, error) {
	var out *models.ChatSession
	err := s.withSession(ctx, applicationID, "abandon", func(session *models.ChatSession) error {
		log, err := s.store.ListMessages(ctx, models.SessionOwner(session.ID))
		if err != nil {
			return newStoreError(applicationID, "list_messages", err)
		}
		now := s.now().UTC()
		info := newBotMessage(session.ID, models.MessageTypeInfo, abandonedText, nextTimestamp(log, now))
		if err := s.complete(ctx, session, models.SessionStatusAbandoned, AnsweredCount(log), info, now); err != nil {
			return err
		}
		out = session
		return nil
	})
	return out, err
}

// MarkRead 标记消息已读，已读过的消息保持原时间
func (s *Service) MarkRead(ctx context.Context, messageID string) (*models.BotMessage, error) {
	msg, err := s.store.MarkMessageRead(ctx, messageID, s.now().UTC())
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("标记消息已读失败: %w", err)
	}
	return msg, nil
}

// Session 查询申请的会话
func (s *Service) Session(ctx context.Context, applicationID string) (*models.ChatSession, error) {
	session, err := s.store.FindSessionByApplication(ctx, applicationID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, newSessionError(applicationID, "get_session", ErrSessionNotFound)
	}
	if err != nil {
		return nil, newStoreError(applicationID, "get_session", err)
	}
	return session, nil
}

// ListMessages 返回申请的有序消息日志；没有会话时返回早期直接挂在申请上的消息
func (s *Service) ListMessages(ctx context.Context, applicationID string) ([]models.BotMessage, error) {
	owner := models.LegacyApplicationOwner(applicationID)
	session, err := s.store.FindSessionByApplication(ctx, applicationID)
	switch {
	case err == nil:
		owner = models.SessionOwner(session.ID)
	case !errors.Is(err, models.ErrNotFound):
		return nil, newStoreError(applicationID, "find_session", err)
	}
	msgs, err := s.store.ListMessages(ctx, owner)
	if err != nil {
		return nil, newStoreError(applicationID, "list_messages", err)
	}
	return msgs, nil
}

// withSession 在会话锁内加载最新的会话状态，终态会话返回 ErrSessionClosed
func (s *Service) withSession(ctx context.Context, applicationID, op string, fn func(*models.ChatSession) error) error {
	session, err := s.store.FindSessionByApplication(ctx, applicationID)
	if errors.Is(err, models.ErrNotFound) {
		return newSessionError(applicationID, op, ErrSessionNotFound)
	}
	if err != nil {
		return newStoreError(applicationID, op, err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	unlock, err := s.locker.Lock(lockCtx, fmt.Sprintf(constants.KeyChatSessionLock, session.ID))
	if err != nil {
		return fmt.Errorf("获取会话锁失败 (会话:%s): %w", session.ID, err)
	}
	defer unlock()

	// 锁内重新读取，前一个持锁者可能已经结束会话
	session, err = s.store.FindSessionByApplication(ctx, applicationID)
	if err != nil {
		return newStoreError(applicationID, op, err)
	}
	if !session.IsActive || session.Terminal() {
		return newSessionError(applicationID, op, ErrSessionClosed)
	}
	return fn(session)
}

func (s *Service) complete(ctx context.Context, session *models.ChatSession, status string, answered int, msg *models.BotMessage, now time.Time) error {
	appStatus := models.ApplicationStatusReviewed
	if status == models.SessionStatusAbandoned {
		appStatus = models.ApplicationStatusNoResponse
	}
	err := s.store.CompleteSession(ctx, models.SessionCompletion{
		SessionID:          session.ID,
		ApplicationID:      session.ApplicationID,
		Status:             status,
		QuestionsAnswered:  answered,
		At:                 now,
		Message:            msg,
		ApplicationStatus:  appStatus,
		StampChatCompleted: status == models.SessionStatusCompleted,
	})
	if err != nil {
		return newStoreError(session.ApplicationID, "complete_session", err)
	}

	session.IsActive = false
	session.Status = status
	session.QuestionsAnswered = answered
	session.CompletedAt = &now
	session.LastActivity = now

	s.log.Info().
		Str("application_id", session.ApplicationID).
		Str("session_id", session.ID).
		Str("status", status).
		Int("answered", answered).
		Msg("聊天会话已结束")

	if msg != nil {
		s.notify(notify.BotMessageEvent(session.ApplicationID, msg))
	}
	return nil
}

func (s *Service) saveResponse(ctx context.Context, session *models.ChatSession, question *models.BotMessage, text string, meta map[string]interface{}) {
	sentiment, confidence := answerHeuristics(text)
	extracted := map[string]interface{}{
		"length":            utf8.RuneCountInString(text),
		"question_category": question.QuestionCategory,
	}
	if len(meta) > 0 {
		extracted["meta"] = meta
	}
	resp := &models.CandidateResponse{
		ID:                models.NewID(),
		ApplicationID:     session.ApplicationID,
		QuestionMessageID: question.ID,
		SessionID:         session.ID,
		AnswerText:        text,
		SentimentScore:    &sentiment,
		ConfidenceScore:   &confidence,
		ExtractedData:     models.MustJSON(extracted),
	}
	if err := s.store.SaveCandidateResponse(ctx, resp); err != nil {
		s.log.Warn().Err(err).
			Str("application_id", session.ApplicationID).
			Str("question_id", question.ID).
			Msg("保存候选人回答失败，继续处理")
	}
}

func (s *Service) triggerAnalysis(ctx context.Context, applicationID string) {
	if s.trigger == nil {
		s.log.Warn().Str("application_id", applicationID).Msg("未配置复评触发器，跳过")
		return
	}
	if err := s.trigger.TriggerAnalysis(context.WithoutCancel(ctx), applicationID, ReasonChatCompleted); err != nil {
		s.log.Error().Err(err).Str("application_id", applicationID).Msg("触发复评失败")
	}
}

func (s *Service) notify(ev notify.Event) {
	if s.events == nil {
		return
	}
	s.events.Notify(ev)
}

func newBotMessage(sessionID, messageType, text string, at time.Time) *models.BotMessage {
	m := &models.BotMessage{
		ID:          models.NewID(),
		Sender:      models.SenderBot,
		MessageType: messageType,
		Text:        text,
		CreatedAt:   at,
	}
	m.SetOwner(models.SessionOwner(sessionID))
	return m
}
