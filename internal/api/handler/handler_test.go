package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/analysis"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/auth"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/chat"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/config"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/llm"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/notify"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/memstore"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	analyses []string
	replies  []storage.ChatReplyMessage
	err      error
}

func (d *recordingDispatcher) TriggerAnalysis(ctx context.Context, applicationID, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.analyses = append(d.analyses, applicationID+":"+reason)
	return nil
}

func (d *recordingDispatcher) SubmitReply(ctx context.Context, msg storage.ChatReplyMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.replies = append(d.replies, msg)
	return nil
}

func (d *recordingDispatcher) AnalyzeOutbox(string, string) (*models.OutboxMessage, error) {
	return nil, nil
}

type testEnv struct {
	store      *memstore.Store
	chats      *chat.Service
	dispatcher *recordingDispatcher
	tokens     *auth.TokenService
	hub        *notify.Hub
	handler    *Handler
}

func floatPtr(v float64) *float64 { return &v }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New()
	store.PutVacancy(&models.Vacancy{
		ID:              "vac-1",
		Title:           "Go Developer",
		City:            "Astana",
		ExperienceYears: floatPtr(3),
		EmploymentType:  models.EmploymentOffice,
	})
	store.PutCandidate(&models.Candidate{
		ID:                      "cand-1",
		Email:                   "dana@example.com",
		City:                    "Almaty",
		ExperienceYears:         floatPtr(1),
		PreferredEmploymentType: models.EmploymentAny,
	})
	store.PutApplication(&models.Application{ID: "app-1", VacancyID: "vac-1", CandidateID: "cand-1"})

	tokens, err := auth.NewTokenService(config.AuthConfig{JWTSecret: "test-secret"})
	require.NoError(t, err)

	chats := chat.NewService(store)
	orchestrator := analysis.NewOrchestrator(store, llm.NewGateway(llm.NewFailingMockGenerator(errors.New("offline"))), chats)
	dispatcher := &recordingDispatcher{}
	hub := notify.NewHub()

	return &testEnv{
		store:      store,
		chats:      chats,
		dispatcher: dispatcher,
		tokens:     tokens,
		hub:        hub,
		handler: NewHandler(Deps{
			Store:       store,
			Chat:        chats,
			Starter:     orchestrator,
			Dispatcher:  dispatcher,
			Tokens:      tokens,
			Hub:         hub,
			PollTimeout: 50 * time.Millisecond,
		}),
	}
}

func (e *testEnv) startSession(t *testing.T) *models.ChatSession {
	t.Helper()
	app, err := e.store.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	session, err := e.chats.Initialize(context.Background(), app,
		[]string{"Готовы к переезду?", "Рассматриваете стажировку?"},
		[]string{"город", "опыт"})
	require.NoError(t, err)
	return session
}

func newRequest(body interface{}, params map[string]string) *app.RequestContext {
	c := app.NewContext(16)
	if body != nil {
		raw, _ := json.Marshal(body)
		c.Request.SetBody(raw)
		c.Request.Header.SetContentTypeBytes([]byte("application/json"))
	}
	for k, v := range params {
		c.Params = append(c.Params, param.Param{Key: k, Value: v})
	}
	return c
}

func decode(t *testing.T, c *app.RequestContext) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(c.Response.Body(), &out))
	return out
}

func validSubmission(email string) SubmitApplicationRequest {
	return SubmitApplicationRequest{
		VacancyID: "vac-1",
		Candidate: CandidateInput{
			Name:            "Ерлан",
			Email:           email,
			City:            "Astana",
			ExperienceYears: floatPtr(4),
			Skills:          []string{"Go"},
		},
	}
}

func TestSubmitApplication(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := newRequest(validSubmission("erlan@example.com"), nil)
	env.handler.SubmitApplication(ctx, c)
	require.Equal(t, consts.StatusCreated, c.Response.StatusCode(), string(c.Response.Body()))

	resp := decode(t, c)
	appID, _ := resp["application_id"].(string)
	require.NotEmpty(t, appID)
	assert.Equal(t, models.ApplicationStatusNew, resp["status"])

	token, _ := resp["chat_token"].(string)
	got, err := env.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, appID, got)
	assert.Equal(t, []string{appID + ":" + analysis.ReasonApplicationCreated}, env.dispatcher.analyses)

	t.Run("重复申请", func(t *testing.T) {
		c := newRequest(validSubmission("ERLAN@example.com"), nil)
		env.handler.SubmitApplication(ctx, c)
		assert.Equal(t, consts.StatusConflict, c.Response.StatusCode())
	})

	t.Run("职位不存在", func(t *testing.T) {
		req := validSubmission("other@example.com")
		req.VacancyID = "missing"
		c := newRequest(req, nil)
		env.handler.SubmitApplication(ctx, c)
		assert.Equal(t, consts.StatusNotFound, c.Response.StatusCode())
	})

	t.Run("校验失败", func(t *testing.T) {
		req := validSubmission("not-an-email")
		c := newRequest(req, nil)
		env.handler.SubmitApplication(ctx, c)
		assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())

		req = validSubmission("ok@example.com")
		req.Candidate.PreferredEmploymentType = "freelance"
		c = newRequest(req, nil)
		env.handler.SubmitApplication(ctx, c)
		assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())
	})

	t.Run("非法JSON", func(t *testing.T) {
		c := app.NewContext(16)
		c.Request.SetBody([]byte("{"))
		env.handler.SubmitApplication(ctx, c)
		assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())
	})
}

func TestChatTokenAuth(t *testing.T) {
	env := newTestEnv(t)
	mw := env.handler.ChatTokenAuth()

	c := newRequest(nil, nil)
	mw(context.Background(), c)
	assert.Equal(t, consts.StatusUnauthorized, c.Response.StatusCode())
	assert.True(t, c.IsAborted())

	token, _, err := env.tokens.Issue("app-1")
	require.NoError(t, err)

	c = newRequest(nil, nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)
	mw(context.Background(), c)
	assert.False(t, c.IsAborted())
	assert.Equal(t, "app-1", applicationFromToken(c))

	c = newRequest(nil, nil)
	c.Request.SetRequestURI("/api/v1/chat/events?token=" + token)
	mw(context.Background(), c)
	assert.Equal(t, "app-1", applicationFromToken(c))
}

func TestReply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("没有会话", func(t *testing.T) {
		c := newRequest(ReplyRequest{Text: "да"}, nil)
		c.Set(ctxKeyApplicationID, "app-1")
		env.handler.Reply(ctx, c)
		assert.Equal(t, consts.StatusNotFound, c.Response.StatusCode())
	})

	env.startSession(t)

	t.Run("空白回复", func(t *testing.T) {
		c := newRequest(ReplyRequest{Text: "   "}, nil)
		c.Set(ctxKeyApplicationID, "app-1")
		env.handler.Reply(ctx, c)
		assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())
	})

	t.Run("接受", func(t *testing.T) {
		c := newRequest(ReplyRequest{Text: "  Да, готов  "}, nil)
		c.Set(ctxKeyApplicationID, "app-1")
		env.handler.Reply(ctx, c)
		require.Equal(t, consts.StatusAccepted, c.Response.StatusCode())
		require.Len(t, env.dispatcher.replies, 1)
		assert.Equal(t, "Да, готов", env.dispatcher.replies[0].Text)
		assert.Equal(t, "app-1", env.dispatcher.replies[0].ApplicationID)
	})

	t.Run("会话已结束", func(t *testing.T) {
		_, err := env.chats.Abandon(ctx, "app-1")
		require.NoError(t, err)
		c := newRequest(ReplyRequest{Text: "ещё"}, nil)
		c.Set(ctxKeyApplicationID, "app-1")
		env.handler.Reply(ctx, c)
		assert.Equal(t, consts.StatusConflict, c.Response.StatusCode())
	})
}

func TestMessagesAndMarkRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.startSession(t)

	c := newRequest(nil, nil)
	c.Set(ctxKeyApplicationID, "app-1")
	env.handler.Messages(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	var view ChatView
	require.NoError(t, json.Unmarshal(c.Response.Body(), &view))
	require.NotNil(t, view.Session)
	require.Len(t, view.Messages, 3)
	assert.Equal(t, models.MessageTypeWelcome, view.Messages[0].MessageType)

	c = newRequest(nil, map[string]string{"message_id": view.Messages[1].ID})
	c.Set(ctxKeyApplicationID, "app-1")
	env.handler.MarkRead(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	var msg models.BotMessage
	require.NoError(t, json.Unmarshal(c.Response.Body(), &msg))
	assert.NotNil(t, msg.ReadAt)

	c = newRequest(nil, map[string]string{"message_id": "foreign"})
	c.Set(ctxKeyApplicationID, "app-1")
	env.handler.MarkRead(ctx, c)
	assert.Equal(t, consts.StatusNotFound, c.Response.StatusCode())
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("超时返回空列表", func(t *testing.T) {
		c := newRequest(nil, nil)
		c.Set(ctxKeyApplicationID, "app-1")
		env.handler.Events(ctx, c)
		require.Equal(t, consts.StatusOK, c.Response.StatusCode())
		events, ok := decode(t, c)["events"].([]interface{})
		require.True(t, ok)
		assert.Empty(t, events)
	})

	t.Run("收到事件", func(t *testing.T) {
		go func() {
			for env.hub.Subscribers("app-1") == 0 {
				time.Sleep(time.Millisecond)
			}
			_ = env.hub.Publish(ctx, notify.ChatInitializedEvent("app-1", "sess-1"))
		}()
		c := newRequest(nil, nil)
		c.Request.SetRequestURI("/api/v1/chat/events?timeout=2s")
		c.Set(ctxKeyApplicationID, "app-1")
		env.handler.Events(ctx, c)
		require.Equal(t, consts.StatusOK, c.Response.StatusCode())
		events := decode(t, c)["events"].([]interface{})
		require.Len(t, events, 1)
		assert.Equal(t, string(notify.KindChatInitialized), events[0].(map[string]interface{})["type"])
		assert.Equal(t, 0, env.hub.Subscribers("app-1"))
	})
}

func TestEmployerChatRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := newRequest(nil, map[string]string{"id": "app-1"})
	env.handler.GetChat(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	var view ChatView
	require.NoError(t, json.Unmarshal(c.Response.Body(), &view))
	assert.Nil(t, view.Session)
	assert.Empty(t, view.Messages)

	// 模型不可用时使用按差异生成的备用问题
	c = newRequest(nil, map[string]string{"id": "app-1"})
	env.handler.StartChat(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode(), string(c.Response.Body()))
	var session models.ChatSession
	require.NoError(t, json.Unmarshal(c.Response.Body(), &session))
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Greater(t, session.TotalQuestions, 0)

	c = newRequest(nil, map[string]string{"id": "app-1"})
	env.handler.CompleteChat(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	c = newRequest(nil, map[string]string{"id": "app-1"})
	env.handler.CompleteChat(ctx, c)
	assert.Equal(t, consts.StatusConflict, c.Response.StatusCode())

	c = newRequest(nil, map[string]string{"id": "missing"})
	env.handler.GetChat(ctx, c)
	assert.Equal(t, consts.StatusNotFound, c.Response.StatusCode())
}

func TestGetResultsAndAnalyze(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := newRequest(nil, map[string]string{"id": "app-1"})
	env.handler.GetResults(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	resp := decode(t, c)
	assert.Equal(t, "app-1", resp["application_id"])
	assert.Nil(t, resp["score"])

	c = newRequest(nil, map[string]string{"id": "app-1"})
	env.handler.TriggerAnalysis(ctx, c)
	assert.Equal(t, consts.StatusAccepted, c.Response.StatusCode())
	assert.Equal(t, []string{"app-1:" + analysis.ReasonManual}, env.dispatcher.analyses)

	c = newRequest(nil, map[string]string{"id": "missing"})
	env.handler.TriggerAnalysis(ctx, c)
	assert.Equal(t, consts.StatusNotFound, c.Response.StatusCode())

	c = newRequest(nil, map[string]string{"id": "missing"})
	env.handler.GetResults(ctx, c)
	assert.Equal(t, consts.StatusNotFound, c.Response.StatusCode())
}

func TestUpsertVacancy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := newRequest(UpsertVacancyRequest{Title: "Data Engineer", City: "Almaty", Skills: []string{"SQL"}}, map[string]string{"id": "vac-2"})
	env.handler.UpsertVacancy(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	v, err := env.store.GetVacancy(ctx, "vac-2")
	require.NoError(t, err)
	assert.Equal(t, "Data Engineer", v.Title)

	from, to := int64(500), int64(100)
	c = newRequest(UpsertVacancyRequest{Title: "X", SalaryFrom: &from, SalaryTo: &to}, map[string]string{"id": "vac-3"})
	env.handler.UpsertVacancy(ctx, c)
	assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())

	c = newRequest(UpsertVacancyRequest{}, map[string]string{"id": "vac-3"})
	env.handler.UpsertVacancy(ctx, c)
	assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())
}

func TestIssueChatTokenAndSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := newRequest(nil, map[string]string{"id": "app-1"})
	env.handler.IssueChatToken(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	token, _ := decode(t, c)["chat_token"].(string)
	appID, err := env.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "app-1", appID)

	c = newRequest(nil, nil)
	env.handler.Sweep(ctx, c)
	assert.Equal(t, consts.StatusServiceUnavailable, c.Response.StatusCode())
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer abc"))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken(""))
}
