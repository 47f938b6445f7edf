package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/chat"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/llm"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/notify"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/scoring"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/memstore"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Notify(ev notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recordingSink) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func floatPtr(v float64) *float64 { return &v }

type fixture struct {
	store *memstore.Store
	chats *chat.Service
	sink  *recordingSink
}

func newFixture(t *testing.T, candidateCity string, candidateYears float64, resume string) *fixture {
	t.Helper()
	store := memstore.New()
	store.PutVacancy(&models.Vacancy{
		ID:              "vac-1",
		Title:           "Go Developer",
		Description:     "Разработка backend-сервисов",
		City:            "Astana",
		ExperienceYears: floatPtr(5),
		EmploymentType:  models.EmploymentOffice,
		Skills:          models.StringsToJSON([]string{"Go", "MySQL"}),
	})
	store.PutCandidate(&models.Candidate{
		ID:                      "cand-1",
		Email:                   "aigerim@example.com",
		City:                    candidateCity,
		ExperienceYears:         floatPtr(candidateYears),
		ResumeText:              resume,
		PreferredEmploymentType: models.EmploymentAny,
	})
	store.PutApplication(&models.Application{
		ID:          "app-1",
		VacancyID:   "vac-1",
		CandidateID: "cand-1",
		Status:      models.ApplicationStatusNew,
		CreatedAt:   time.Now(),
	})
	sink := &recordingSink{}
	return &fixture{store: store, chats: chat.NewService(store, chat.WithEvents(sink)), sink: sink}
}

func (f *fixture) orchestrator(gen llm.Generator, opts ...Option) *Orchestrator {
	opts = append([]Option{WithEvents(f.sink)}, opts...)
	return NewOrchestrator(f.store, llm.NewGateway(gen), f.chats, opts...)
}

func (f *fixture) metadata(t *testing.T) map[string]interface{} {
	t.Helper()
	res, err := f.store.GetRelevanceResult(context.Background(), "app-1")
	require.NoError(t, err)
	meta := map[string]interface{}{}
	require.NoError(t, models.DecodeJSON(res.Metadata, &meta))
	return meta
}

func TestAnalyze_LLMUnavailableFallsBackToRules(t *testing.T) {
	f := newFixture(t, "Almaty", 2, "Backend-разработчик, Go")
	o := f.orchestrator(llm.NewFailingMockGenerator(errors.New("connection refused")))

	summary, err := o.Analyze(context.Background(), "app-1", ReasonApplicationCreated)
	require.NoError(t, err)

	require.Len(t, summary.Discrepancies, 2)
	assert.Equal(t, scoring.FieldCity, summary.Discrepancies[0].Field)
	assert.Equal(t, scoring.FieldExperience, summary.Discrepancies[1].Field)
	assert.Equal(t, 85.0, summary.PreliminaryScore)
	assert.Equal(t, 0, summary.Evaluation.Score)
	assert.Equal(t, llm.UnavailableSummary, summary.Evaluation.Summary)
	assert.Equal(t, 85.0, summary.FinalScore)
	assert.Equal(t, models.ApplicationStatusChatInProgress, summary.Status)
	assert.Equal(t, []string{
		"Вакансия в Astana. Вы готовы рассмотреть переезд/работу из другого города?",
		"Требуется опыт от 5 лет, у вас 2. Рассматриваете обучение/стажировку?",
		"Расскажите, пожалуйста, о вашем наиболее релевантном опыте для этой вакансии?",
	}, summary.Questions)

	app, err := f.store.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	require.NotNil(t, app.InitialScore)
	assert.Equal(t, 85.0, *app.InitialScore)
	require.NotNil(t, app.FinalScore)
	assert.Equal(t, 85.0, *app.FinalScore)

	res, err := f.store.GetRelevanceResult(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, 85.0, res.Score)
	meta := f.metadata(t)
	assert.Equal(t, 0.0, meta["llm_score"])
	assert.Equal(t, "unavailable", meta["llm_source"])
	assert.Equal(t, CombinationPolicy, meta["combination_policy"])
	assert.Equal(t, 85.0, meta["preliminary_score"])
	assert.Equal(t, 2.0, meta["discrepancy_count"])

	session, err := f.store.FindSessionByApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, summary.SessionID)
	assert.True(t, session.IsActive)
	assert.Equal(t, 3, session.TotalQuestions)

	assert.Equal(t, 1, f.sink.count(notify.KindRelevanceUpdate))
	assert.Equal(t, 1, f.sink.count(notify.KindAnalysisComplete))
	assert.Equal(t, 1, f.sink.count(notify.KindChatInitialized))
}

func TestAnalyze_IdempotentOverwritesResult(t *testing.T) {
	f := newFixture(t, "Almaty", 2, "Backend-разработчик, Go")
	gen := llm.NewMockGenerator(
		llm.MockResponse{Content: `{"score": 60, "summary": "первый"}`},
		llm.MockResponse{Content: `["Готовы ли вы к переезду?", "Сколько лет вы пишете на Go?"]`},
		llm.MockResponse{Content: `{"score": 75, "summary": "второй"}`},
	)
	o := f.orchestrator(gen)

	first, err := o.Analyze(context.Background(), "app-1", ReasonApplicationCreated)
	require.NoError(t, err)
	assert.Equal(t, 60.0, first.FinalScore)
	require.Len(t, first.Questions, 2)
	firstResult, err := f.store.GetRelevanceResult(context.Background(), "app-1")
	require.NoError(t, err)

	second, err := o.Analyze(context.Background(), "app-1", ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 75.0, second.FinalScore)
	assert.Empty(t, second.Questions, "an existing session suppresses new questions")
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, models.ApplicationStatusChatInProgress, second.Status)

	assert.Equal(t, 1, f.store.CountRelevanceResults("app-1"))
	res, err := f.store.GetRelevanceResult(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, firstResult.ID, res.ID)
	assert.Equal(t, 75.0, res.Score)
	assert.Equal(t, "второй", res.Summary)
	assert.Equal(t, 3, gen.Calls())
}

func TestAnalyze_AfterChatUsesTranscript(t *testing.T) {
	f := newFixture(t, "Almaty", 2, "Backend-разработчик, Go")
	gen := llm.NewMockGenerator(
		llm.MockResponse{Err: errors.New("timeout")},
		llm.MockResponse{Content: `{"score": 90, "summary": "готов к переезду"}`},
	)
	o := f.orchestrator(gen)

	_, err := o.Analyze(context.Background(), "app-1", ReasonApplicationCreated)
	require.NoError(t, err)

	for _, answer := range []string{"Да, готов к переезду", "Прохожу курсы", "Три года на Go"} {
		_, err := f.chats.ReceiveReply(context.Background(), "app-1", answer, nil)
		require.NoError(t, err)
	}

	summary, err := o.Analyze(context.Background(), "app-1", ReasonChatCompleted)
	require.NoError(t, err)
	assert.True(t, summary.ChatContext)
	assert.Equal(t, 90.0, summary.FinalScore)
	assert.Equal(t, models.ApplicationStatusReviewed, summary.Status)
	assert.Empty(t, summary.Questions)

	prompts := gen.Prompts()
	last := prompts[len(prompts)-1]
	assert.Contains(t, last, "Да, готов к переезду")
	assert.Contains(t, last, "Три года на Go")

	meta := f.metadata(t)
	assert.Equal(t, analysisTypeWithChat, meta["analysis_type"])
	assert.Equal(t, "model", meta["llm_source"])
	assert.Equal(t, 90.0, meta["llm_score"])
}

func TestAnalyze_StrongMatchSkipsChat(t *testing.T) {
	f := newFixture(t, "Astana", 6, strings.Repeat("Опытный Go-разработчик. ", 30))
	o := f.orchestrator(llm.NewStaticMockGenerator(`{"score": 92, "summary": "отлично"}`))

	summary, err := o.Analyze(context.Background(), "app-1", ReasonApplicationCreated)
	require.NoError(t, err)
	assert.Empty(t, summary.Discrepancies)
	assert.Equal(t, 100.0, summary.PreliminaryScore)
	assert.Equal(t, 92.0, summary.FinalScore)
	assert.Empty(t, summary.Questions)
	assert.Equal(t, models.ApplicationStatusReviewed, summary.Status)

	_, err = f.store.FindSessionByApplication(context.Background(), "app-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func (f *fixture) sessionData(t *testing.T) models.SessionData {
	t.Helper()
	session, err := f.store.FindSessionByApplication(context.Background(), "app-1")
	require.NoError(t, err)
	var data models.SessionData
	require.NoError(t, models.DecodeJSON(session.SessionData, &data))
	return data
}

func TestAnalyze_ShortResumeStartsChat(t *testing.T) {
	f := newFixture(t, "Astana", 6, "Go")
	gen := llm.NewMockGenerator(
		llm.MockResponse{Content: `{"score": 95, "summary": "ok"}`},
		llm.MockResponse{Content: `1. Расскажите о проектах?`},
	)
	o := f.orchestrator(gen)

	summary, err := o.Analyze(context.Background(), "app-1", ReasonApplicationCreated)
	require.NoError(t, err)
	assert.Empty(t, summary.Discrepancies)
	assert.Equal(t, []string{"Расскажите о проектах?"}, summary.Questions)
	assert.NotEmpty(t, summary.SessionID)
	assert.Equal(t, models.ApplicationStatusChatInProgress, summary.Status)

	session, err := f.store.FindSessionByApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.True(t, session.IsActive)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Equal(t, 1, session.TotalQuestions)
	assert.Equal(t, []string{topicShortResume}, f.sessionData(t).Discrepancies)

	msgs, err := f.chats.ListMessages(context.Background(), "app-1")
	require.NoError(t, err)
	next := chat.NextQuestion(msgs)
	require.NotNil(t, next)
	assert.Equal(t, "Расскажите о проектах?", next.Text)

	prompts := gen.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], topicShortResume)

	app, err := f.store.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusChatInProgress, app.Status)
	assert.Nil(t, app.ChatCompletedAt)
}

func TestAnalyze_LowModelScoreStartsChat(t *testing.T) {
	f := newFixture(t, "Astana", 6, strings.Repeat("Опытный Go-разработчик. ", 30))
	o := f.orchestrator(llm.NewMockGenerator(
		llm.MockResponse{Content: `{"score": 40, "summary": "слабое соответствие"}`},
		llm.MockResponse{Content: `["Какие сервисы на Go вы разрабатывали?"]`},
	))

	summary, err := o.Analyze(context.Background(), "app-1", ReasonApplicationCreated)
	require.NoError(t, err)
	assert.Equal(t, 40.0, summary.FinalScore)
	assert.Equal(t, models.ApplicationStatusChatInProgress, summary.Status)

	session, err := f.store.FindSessionByApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.True(t, session.IsActive)
	assert.Equal(t, []string{topicLowScore}, f.sessionData(t).Discrepancies)
}

func TestAnalyze_ScorelessModelReplyKeepsRuleScore(t *testing.T) {
	f := newFixture(t, "Almaty", 2, "Backend-разработчик, Go")
	o := f.orchestrator(llm.NewMockGenerator(
		llm.MockResponse{Content: `Оценка: {"summary": "кандидат подходит частично"}`},
		llm.MockResponse{Content: `["Готовы ли вы к переезду?"]`},
	))

	summary, err := o.Analyze(context.Background(), "app-1", ReasonApplicationCreated)
	require.NoError(t, err)
	assert.Equal(t, llm.SourceRawText, summary.Evaluation.Source)
	assert.Equal(t, 85.0, summary.PreliminaryScore)
	assert.Equal(t, 85.0, summary.FinalScore)

	res, err := f.store.GetRelevanceResult(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, 85.0, res.Score)
	app, err := f.store.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	require.NotNil(t, app.FinalScore)
	assert.Equal(t, 85.0, *app.FinalScore)
}

func TestAnalyze_EmployerDecisionPreserved(t *testing.T) {
	f := newFixture(t, "Astana", 6, strings.Repeat("Опытный Go-разработчик. ", 30))
	app, err := f.store.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	app.Status = models.ApplicationStatusHired
	f.store.PutApplication(app)

	o := f.orchestrator(llm.NewStaticMockGenerator(`{"score": 92, "summary": "ok"}`))
	summary, err := o.Analyze(context.Background(), "app-1", ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusHired, summary.Status)

	app, err = f.store.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusHired, app.Status)
}

func TestAnalyze_Errors(t *testing.T) {
	f := newFixture(t, "Almaty", 2, "Go")
	o := f.orchestrator(nil)

	_, err := o.Analyze(context.Background(), "missing", ReasonApplicationCreated)
	assert.ErrorIs(t, err, ErrApplicationNotFound)

	f.store.FailPersist = errors.New("deadlock found")
	_, err = o.Analyze(context.Background(), "app-1", ReasonApplicationCreated)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistFailed)
	var ae *AnalysisError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "persist", ae.Op)
	assert.Contains(t, ae.Error(), "deadlock found")

	_, err = f.store.FindSessionByApplication(context.Background(), "app-1")
	assert.ErrorIs(t, err, models.ErrNotFound, "no chat after a failed persist")
	assert.Equal(t, 0, f.sink.count(notify.KindRelevanceUpdate))
	assert.Equal(t, 1, f.sink.count(notify.KindAnalysisComplete))
}

func TestAnalyze_ScorerPanicIsIsolated(t *testing.T) {
	f := newFixture(t, "Almaty", 2, "Go")
	o := f.orchestrator(nil, WithScorer(func(*models.Vacancy, *models.Candidate) ([]scoring.Discrepancy, float64) {
		panic("boom")
	}))

	summary, err := o.Analyze(context.Background(), "app-1", ReasonApplicationCreated)
	require.NoError(t, err)
	assert.Empty(t, summary.Discrepancies)
	assert.Equal(t, 100.0, summary.PreliminaryScore)
	assert.Equal(t, 100.0, summary.FinalScore)
}

func TestAnalyze_IgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, "Almaty", 2, "Go")
	o := f.orchestrator(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := o.Analyze(ctx, "app-1", ReasonApplicationCreated)
	require.NoError(t, err)
	assert.Equal(t, 85.0, summary.FinalScore)
}

func TestStartChat(t *testing.T) {
	f := newFixture(t, "Almaty", 2, "Go")
	o := f.orchestrator(nil)

	session, err := o.StartChat(context.Background(), "app-1")
	require.NoError(t, err)
	assert.True(t, session.IsActive)
	assert.Equal(t, 3, session.TotalQuestions)

	again, err := o.StartChat(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID)

	_, err = o.StartChat(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrApplicationNotFound)
}

func TestStartChat_WithoutDiscrepanciesStaysOpen(t *testing.T) {
	f := newFixture(t, "Astana", 6, strings.Repeat("Опытный Go-разработчик. ", 30))
	o := f.orchestrator(nil)

	session, err := o.StartChat(context.Background(), "app-1")
	require.NoError(t, err)
	assert.True(t, session.IsActive)
	assert.Equal(t, len(genericQuestions), session.TotalQuestions)
	assert.Equal(t, []string{topicEmployerRequest}, f.sessionData(t).Discrepancies)
}

func TestFallbackQuestions(t *testing.T) {
	assert.Nil(t, FallbackQuestions(nil, 0))
	assert.Len(t, FallbackQuestions(nil, 5), 3)
	assert.Equal(t, genericQuestions[:2], FallbackQuestions(nil, 2))
}

func TestVacancyText(t *testing.T) {
	from, to := int64(400000), int64(600000)
	text := VacancyText(&models.Vacancy{
		Title:      "Go Developer",
		City:       "Astana",
		SalaryFrom: &from,
		SalaryTo:   &to,
		Skills:     models.StringsToJSON([]string{"Go", "Redis"}),
	})
	assert.Contains(t, text, "Должность: Go Developer")
	assert.Contains(t, text, "Город: Astana")
	assert.Contains(t, text, "Зарплата: 400000 - 600000")
	assert.Contains(t, text, "Навыки: Go, Redis")
	assert.Empty(t, VacancyText(nil))
}
