// Package analysis 编排一次申请分析：规则预评分、模型评估、是否发起澄清聊天，
// 以及最终分数与相关度结果的持久化。同一申请重复执行是安全的。
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/chat"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/llm"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/notify"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/scoring"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/tracing"
)

// 触发原因
const (
	ReasonApplicationCreated = "application_created"
	ReasonChatCompleted      = chat.ReasonChatCompleted
	ReasonManual             = "manual"
)

// CombinationPolicy 写入结果元数据，说明最终分数的来源规则
const CombinationPolicy = "llm_primary_rule_fallback"

const (
	analysisTypeInitial  = "initial"
	analysisTypeWithChat = "with_chat_context"

	defaultChatScoreThreshold = 80
	defaultMinResumeLength    = 500
)

// 规则差异为空时的会话要点
const (
	topicShortResume     = "Недостаточно информации в резюме"
	topicLowScore        = "Низкая оценка соответствия по результатам анализа"
	topicUnclear         = "Требуется уточнение деталей профиля"
	topicEmployerRequest = "Уточнение деталей по запросу работодателя"

	persistFailedSummary = "Не удалось сохранить результат анализа"
)

var analysisTracer = otel.Tracer("screening/analysis")

// Store 编排器需要的持久化能力
type Store interface {
	GetApplicationBundle(ctx context.Context, id string) (*models.Application, *models.Vacancy, *models.Candidate, error)
	FindSessionByApplication(ctx context.Context, applicationID string) (*models.ChatSession, error)
	ListMessages(ctx context.Context, owner models.MessageOwner) ([]models.BotMessage, error)
	SavePreliminaryScore(ctx context.Context, applicationID string, score float64) error
	PersistAnalysis(ctx context.Context, rec models.AnalysisRecord) (string, error)
}

// Evaluator 模型网关，失败时返回兜底值而不是错误
type Evaluator interface {
	EvaluateFit(ctx context.Context, vacancyText, resumeText string) llm.Evaluation
	EvaluateWithChatContext(ctx context.Context, vacancyText, resumeText string, pairs []llm.QA) llm.Evaluation
	GenerateQuestions(ctx context.Context, vacancyText, resumeText string, discrepancies []string) []string
	MaxQuestions() int
}

// ChatStarter 创建聊天会话
type ChatStarter interface {
	Initialize(ctx context.Context, app *models.Application, questions, discrepancies []string) (*models.ChatSession, error)
}

// ScoreFunc 规则预评分
type ScoreFunc func(*models.Vacancy, *models.Candidate) ([]scoring.Discrepancy, float64)

// Summary 一次分析的结果
type Summary struct {
	ApplicationID    string                `json:"application_id"`
	Reason           string                `json:"reason"`
	PreliminaryScore float64               `json:"preliminary_score"`
	Discrepancies    []scoring.Discrepancy `json:"discrepancies"`
	Evaluation       llm.Evaluation        `json:"llm"`
	FinalScore       float64               `json:"final_score"`
	Status           string                `json:"status"`
	ChatContext      bool                  `json:"chat_context"`
	Questions        []string              `json:"questions,omitempty"`
	SessionID        string                `json:"chat_session_id,omitempty"`
	At               time.Time             `json:"timestamp"`
}

// Orchestrator 申请分析编排器
type Orchestrator struct {
	store          Store
	evaluator      Evaluator
	chats          ChatStarter
	events         chat.EventSink
	score          ScoreFunc
	chatThreshold  int
	minResumeRunes int
	now            func() time.Time
	log            zerolog.Logger
}

// Option 编排器配置项
type Option func(*Orchestrator)

func WithEvents(e chat.EventSink) Option {
	return func(o *Orchestrator) { o.events = e }
}

// WithThresholds 模型分低于 chatThreshold 或简历短于 minResume 个字符时发起聊天
func WithThresholds(chatThreshold, minResume int) Option {
	return func(o *Orchestrator) {
		if chatThreshold > 0 {
			o.chatThreshold = chatThreshold
		}
		if minResume > 0 {
			o.minResumeRunes = minResume
		}
	}
}

func WithScorer(f ScoreFunc) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.score = f
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(store Store, evaluator Evaluator, chats ChatStarter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		evaluator:      evaluator,
		chats:          chats,
		score:          scoring.Score,
		chatThreshold:  defaultChatScoreThreshold,
		minResumeRunes: defaultMinResumeLength,
		now:            time.Now,
		log:            logger.With("analysis"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Analyze 执行一次完整分析。调用方取消不会中断已开始的运行。
// 只有读取申请和最终持久化失败会返回错误。
func (o *Orchestrator) Analyze(ctx context.Context, applicationID, reason string) (*Summary, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := analysisTracer.Start(ctx, "analysis.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("application.id", applicationID), attribute.String("analysis.reason", reason))

	log := o.log.With().Str("application_id", applicationID).Str("reason", reason).Logger()

	app, vacancy, candidate, err := o.store.GetApplicationBundle(ctx, applicationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			tracing.RecordError(span, err, tracing.ErrorTypeNotFound)
			return nil, newAnalysisError(applicationID, "load", ErrApplicationNotFound, nil)
		}
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, newAnalysisError(applicationID, "load", ErrLoadFailed, err)
	}

	summary := &Summary{ApplicationID: applicationID, Reason: reason}

	// 1. 规则预评分
	summary.Discrepancies, summary.PreliminaryScore = o.safeScore(vacancy, candidate, log)
	if err := o.store.SavePreliminaryScore(ctx, applicationID, summary.PreliminaryScore); err != nil {
		log.Warn().Err(err).Msg("保存预评分失败，继续分析")
	}

	// 2. 提示词输入
	vacancyText := VacancyText(vacancy)
	resumeText := candidate.ResumeText

	// 3. 模型评估
	session := o.findSession(ctx, applicationID, log)
	var eval llm.Evaluation
	if pairs := o.transcript(ctx, session, log); len(pairs) > 0 {
		summary.ChatContext = true
		eval = o.evaluator.EvaluateWithChatContext(ctx, vacancyText, resumeText, pairs)
	} else {
		eval = o.evaluator.EvaluateFit(ctx, vacancyText, resumeText)
	}
	summary.Evaluation = eval

	// 4-5. 是否需要澄清聊天
	var topics []string
	if session == nil && o.needsChat(summary.Discrepancies, eval, resumeText) {
		topics = o.chatTopics(summary.Discrepancies, eval, resumeText)
		summary.Questions = o.questions(ctx, vacancyText, resumeText, summary.Discrepancies, topics, eval)
	}

	// 6. 合并分数并持久化
	summary.FinalScore = summary.PreliminaryScore
	if eval.Source == llm.SourceModel {
		summary.FinalScore = float64(eval.Score)
	}
	desired := models.ApplicationStatusReviewed
	if len(summary.Questions) > 0 || (session != nil && session.IsActive) {
		desired = models.ApplicationStatusChatInProgress
	}
	summary.At = o.now().UTC()

	analysisType := analysisTypeInitial
	if summary.ChatContext {
		analysisType = analysisTypeWithChat
	}
	result := &models.RelevanceResult{
		ID:            models.NewID(),
		ApplicationID: applicationID,
		Score:         summary.FinalScore,
		Reasons:       models.MustJSON(summary.Discrepancies),
		Summary:       eval.Summary,
		Metadata: models.MustJSON(map[string]interface{}{
			"preliminary_score":  summary.PreliminaryScore,
			"discrepancy_count":  len(summary.Discrepancies),
			"analysis_type":      analysisType,
			"trigger":            reason,
			"chat_context":       summary.ChatContext,
			"llm_score":          eval.Score,
			"llm_source":         string(eval.Source),
			"combination_policy": CombinationPolicy,
			"timestamp":          summary.At.Format(time.RFC3339),
		}),
	}
	status, err := o.store.PersistAnalysis(ctx, models.AnalysisRecord{
		ApplicationID: applicationID,
		FinalScore:    summary.FinalScore,
		DesiredStatus: desired,
		Result:        result,
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		log.Error().Err(err).Msg("保存分析结果失败")
		// 结果未落库，仍告知订阅方本轮分析已结束
		o.notify(notify.AnalysisCompleteEvent(applicationID, summary.PreliminaryScore, persistFailedSummary, summary.At))
		return nil, newAnalysisError(applicationID, "persist", ErrPersistFailed, err)
	}
	summary.Status = status
	app.Status = status

	// 7. 发起聊天
	if session != nil {
		summary.SessionID = session.ID
	} else if len(summary.Questions) > 0 {
		created, err := o.chats.Initialize(ctx, app, summary.Questions, topics)
		switch {
		case err == nil:
			summary.SessionID = created.ID
		case errors.Is(err, chat.ErrSessionExists) && created != nil:
			summary.SessionID = created.ID
		default:
			log.Error().Err(err).Msg("初始化聊天会话失败")
		}
	}

	// 8. 通知
	o.notify(notify.RelevanceUpdateEvent(applicationID, summary.FinalScore, summary.Discrepancies, eval.Summary))
	o.notify(notify.AnalysisCompleteEvent(applicationID, summary.FinalScore, eval.Summary, summary.At))

	span.SetAttributes(
		attribute.Float64("analysis.final_score", summary.FinalScore),
		attribute.String("analysis.llm_source", string(eval.Source)),
		attribute.Int("analysis.questions", len(summary.Questions)),
	)
	log.Info().
		Float64("preliminary_score", summary.PreliminaryScore).
		Float64("final_score", summary.FinalScore).
		Str("llm_source", string(eval.Source)).
		Int("discrepancies", len(summary.Discrepancies)).
		Int("questions", len(summary.Questions)).
		Str("status", status).
		Msg("申请分析完成")
	return summary, nil
}

// StartChat 雇主手动发起聊天：已有会话时直接返回
func (o *Orchestrator) StartChat(ctx context.Context, applicationID string) (*models.ChatSession, error) {
	app, vacancy, candidate, err := o.store.GetApplicationBundle(ctx, applicationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, newAnalysisError(applicationID, "start_chat", ErrApplicationNotFound, nil)
		}
		return nil, newAnalysisError(applicationID, "start_chat", ErrLoadFailed, err)
	}
	if session := o.findSession(ctx, applicationID, o.log); session != nil {
		return session, nil
	}

	discrepancies, _ := o.safeScore(vacancy, candidate, o.log)
	topics := scoring.Messages(discrepancies)
	if len(topics) == 0 {
		topics = []string{topicEmployerRequest}
	}
	vacancyText := VacancyText(vacancy)
	questions := o.evaluator.GenerateQuestions(ctx, vacancyText, candidate.ResumeText, topics)
	if len(questions) == 0 {
		questions = FallbackQuestions(discrepancies, o.evaluator.MaxQuestions())
	}
	session, err := o.chats.Initialize(ctx, app, questions, topics)
	if err != nil && !errors.Is(err, chat.ErrSessionExists) {
		return nil, fmt.Errorf("start chat for %s: %w", applicationID, err)
	}
	return session, nil
}

func (o *Orchestrator) safeScore(v *models.Vacancy, c *models.Candidate, log zerolog.Logger) (discrepancies []scoring.Discrepancy, score float64) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("规则预评分异常，使用满分兜底")
			discrepancies, score = []scoring.Discrepancy{}, scoring.MaxScore
		}
	}()
	return o.score(v, c)
}

func (o *Orchestrator) findSession(ctx context.Context, applicationID string, log zerolog.Logger) *models.ChatSession {
	session, err := o.store.FindSessionByApplication(ctx, applicationID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.Warn().Err(err).Msg("查询聊天会话失败，按无会话处理")
		}
		return nil
	}
	return session
}

// transcript 只有已完成的会话才参与复评
func (o *Orchestrator) transcript(ctx context.Context, session *models.ChatSession, log zerolog.Logger) []llm.QA {
	if session == nil || session.Status != models.SessionStatusCompleted {
		return nil
	}
	msgs, err := o.store.ListMessages(ctx, models.SessionOwner(session.ID))
	if err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("读取聊天记录失败，不带聊天上下文评估")
		return nil
	}
	return chat.Transcript(msgs)
}

func (o *Orchestrator) needsChat(discrepancies []scoring.Discrepancy, eval llm.Evaluation, resume string) bool {
	return len(discrepancies) > 0 ||
		eval.Score < o.chatThreshold ||
		utf8.RuneCountInString(resume) < o.minResumeRunes
}

// chatTopics 会话要澄清的要点。规则差异为空时按触发原因补充，
// 否则会话会被当作强匹配直接结束。
func (o *Orchestrator) chatTopics(discrepancies []scoring.Discrepancy, eval llm.Evaluation, resume string) []string {
	topics := scoring.Messages(discrepancies)
	if len(topics) > 0 {
		return topics
	}
	if utf8.RuneCountInString(resume) < o.minResumeRunes {
		topics = append(topics, topicShortResume)
	}
	if eval.Score < o.chatThreshold {
		if eval.Source == llm.SourceModel {
			topics = append(topics, topicLowScore)
		} else {
			topics = append(topics, topicUnclear)
		}
	}
	return topics
}

func (o *Orchestrator) questions(ctx context.Context, vacancyText, resumeText string, discrepancies []scoring.Discrepancy, topics []string, eval llm.Evaluation) []string {
	limit := o.evaluator.MaxQuestions()
	if eval.Unavailable() {
		return FallbackQuestions(discrepancies, limit)
	}
	qs := o.evaluator.GenerateQuestions(ctx, vacancyText, resumeText, topics)
	if len(qs) == 0 {
		return FallbackQuestions(discrepancies, limit)
	}
	return qs
}

func (o *Orchestrator) notify(ev notify.Event) {
	if o.events == nil {
		return
	}
	if !o.events.Notify(ev) {
		o.log.Debug().Str("application_id", ev.Topic).Str("type", string(ev.Kind)).Msg("事件缓冲已满，丢弃")
	}
}
