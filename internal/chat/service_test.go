package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/notify"
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

func (r *recordingSink) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type recordingTrigger struct {
	mu      sync.Mutex
	calls   []string
	reasons []string
}

func (r *recordingTrigger) TriggerAnalysis(_ context.Context, applicationID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, applicationID)
	r.reasons = append(r.reasons, reason)
	return nil
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	store   *memstore.Store
	sink    *recordingSink
	trigger *recordingTrigger
	svc     *Service
	app     *models.Application
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memstore.New(),
		sink:    &recordingSink{},
		trigger: &recordingTrigger{},
		clock:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store.PutVacancy(&models.Vacancy{ID: "vac-1", Title: "Go Developer", City: "Astana"})
	f.store.PutCandidate(&models.Candidate{ID: "cand-1", Email: "a@example.com", City: "Almaty"})
	f.app = &models.Application{ID: "app-1", VacancyID: "vac-1", CandidateID: "cand-1", Status: models.ApplicationStatusChatInProgress}
	f.store.PutApplication(f.app)

	var mu sync.Mutex
	f.svc = NewService(f.store,
		WithEvents(f.sink),
		WithTrigger(f.trigger),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			f.clock = f.clock.Add(time.Second)
			return f.clock
		}),
	)
	return f
}

var threeQuestions = []string{"Готовы к переезду?", "Сколько лет опыта с Go?", "Когда можете начать?"}

func TestInitialize_EmitsWelcomeAndQuestions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.Initialize(ctx, f.app, threeQuestions, []string{"Город не совпадает"})
	require.NoError(t, err)
	assert.True(t, session.IsActive)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Equal(t, 3, session.TotalQuestions)

	var data models.SessionData
	require.NoError(t, models.DecodeJSON(session.SessionData, &data))
	assert.Equal(t, []string{"Город не совпадает"}, data.Discrepancies)

	msgs, err := f.svc.ListMessages(ctx, f.app.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, models.MessageTypeWelcome, msgs[0].MessageType)
	assert.Contains(t, msgs[0].Text, "Go Developer")
	for i, m := range msgs[1:] {
		assert.True(t, m.IsQuestion)
		assert.Equal(t, threeQuestions[i], m.Text)
		assert.Equal(t, CategoryFor(i), m.QuestionCategory)
		require.NotNil(t, m.ParentMessageID)
		assert.Equal(t, msgs[0].ID, *m.ParentMessageID)
		assert.Equal(t, models.SessionOwner(session.ID), m.Owner())
	}

	kinds := f.sink.kinds()
	assert.Equal(t, notify.KindChatInitialized, kinds[0])
	assert.Len(t, kinds, 5)
}

func TestInitialize_StrongMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.Initialize(ctx, f.app, threeQuestions, nil)
	require.NoError(t, err)
	assert.False(t, session.IsActive)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)

	msgs, err := f.svc.ListMessages(ctx, f.app.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, strongMatchText, msgs[1].Text)
	assert.False(t, msgs[1].IsQuestion)

	app, err := f.store.GetApplication(ctx, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusReviewed, app.Status)
	assert.NotNil(t, app.ChatCompletedAt)
}

func TestInitialize_ExistingSessionReturnedUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Initialize(ctx, f.app, threeQuestions, []string{"x"})
	require.NoError(t, err)

	second, err := f.svc.Initialize(ctx, f.app, []string{"Другой вопрос?"}, []string{"y"})
	assert.ErrorIs(t, err, ErrSessionExists)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	msgs, err := f.svc.ListMessages(ctx, f.app.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestReceiveReply_FullConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Initialize(ctx, f.app, threeQuestions, []string{"x"})
	require.NoError(t, err)

	res, err := f.svc.ReceiveReply(ctx, f.app.ID, "Да, готов", map[string]interface{}{"client": "web"})
	require.NoError(t, err)
	assert.Equal(t, ReplyContinue, res.Status)
	assert.Equal(t, threeQuestions[1], res.NextQuestion.Text)
	assert.True(t, res.SessionActive)
	assert.Equal(t, 1, res.Session.QuestionsAnswered)
	assert.Equal(t, 1, res.Session.CurrentQuestionIndex)

	res, err = f.svc.ReceiveReply(ctx, f.app.ID, "Два года", nil)
	require.NoError(t, err)
	assert.Equal(t, threeQuestions[2], res.NextQuestion.Text)
	assert.Equal(t, 0, f.trigger.count())

	res, err = f.svc.ReceiveReply(ctx, f.app.ID, "Через две недели", nil)
	require.NoError(t, err)
	assert.Equal(t, ReplyCompleted, res.Status)
	assert.False(t, res.SessionActive)
	assert.Equal(t, completionText, res.Message)

	session, err := f.svc.Session(ctx, f.app.ID)
	require.NoError(t, err)
	assert.False(t, session.IsActive)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Equal(t, 3, session.QuestionsAnswered)

	app, err := f.store.GetApplication(ctx, f.app.ID)
	require.NoError(t, err)
	assert.NotNil(t, app.ChatCompletedAt)
	assert.Equal(t, models.ApplicationStatusReviewed, app.Status)

	assert.Equal(t, 1, f.trigger.count())
	assert.Equal(t, ReasonChatCompleted, f.trigger.reasons[0])

	msgs, err := f.svc.ListMessages(ctx, f.app.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 8)
	assert.Equal(t, models.MessageTypeCompletion, msgs[7].MessageType)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
	}
	pairs := Transcript(msgs)
	require.Len(t, pairs, 3)
	assert.Equal(t, threeQuestions[0], pairs[0].Question)
	assert.Equal(t, "Да, готов", pairs[0].Answer)

	responses := f.store.CandidateResponses(f.app.ID)
	assert.Len(t, responses, 3)
}

func TestReceiveReply_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ReceiveReply(ctx, f.app.ID, "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyReply)

	_, err = f.svc.ReceiveReply(ctx, f.app.ID, "hello", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.svc.Initialize(ctx, f.app, []string{"Один вопрос?"}, []string{"x"})
	require.NoError(t, err)
	_, err = f.svc.ReceiveReply(ctx, f.app.ID, "ответ", nil)
	require.NoError(t, err)

	_, err = f.svc.ReceiveReply(ctx, f.app.ID, "ещё", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)

	var sessErr *SessionError
	require.True(t, errors.As(err, &sessErr))
	assert.Equal(t, f.app.ID, sessErr.ApplicationID)
}

func TestReceiveReply_ConcurrentRepliesAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	questions := []string{"Q1?", "Q2?", "Q3?", "Q4?"}
	_, err := f.svc.Initialize(ctx, f.app, questions, []string{"x"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.ReceiveReply(ctx, f.app.ID, "answer", nil)
		}()
	}
	wg.Wait()

	msgs, err := f.svc.ListMessages(ctx, f.app.ID)
	require.NoError(t, err)
	assert.Len(t, Transcript(msgs), 4)
	assert.Equal(t, 1, f.trigger.count())

	seen := make(map[string]bool)
	for _, m := range msgs {
		if m.Sender == models.SenderCandidate {
			require.NotNil(t, m.ParentMessageID)
			assert.False(t, seen[*m.ParentMessageID], "同一问题被回答了两次")
			seen[*m.ParentMessageID] = true
		}
	}
}

func TestForceCompleteAndAbandon(t *testing.T) {
	t.Run("force complete", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.svc.Initialize(ctx, f.app, threeQuestions, []string{"x"})
		require.NoError(t, err)

		session, err := f.svc.ForceComplete(ctx, f.app.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusCompleted, session.Status)
		assert.Equal(t, 1, f.trigger.count())

		_, err = f.svc.ForceComplete(ctx, f.app.ID)
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("abandon", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.svc.Initialize(ctx, f.app, threeQuestions, []string{"x"})
		require.NoError(t, err)

		session, err := f.svc.Abandon(ctx, f.app.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusAbandoned, session.Status)
		assert.Equal(t, 0, f.trigger.count())

		app, err := f.store.GetApplication(ctx, f.app.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ApplicationStatusNoResponse, app.Status)
		assert.Nil(t, app.ChatCompletedAt)
	})
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Initialize(ctx, f.app, threeQuestions, []string{"x"})
	require.NoError(t, err)
	msgs, err := f.svc.ListMessages(ctx, f.app.ID)
	require.NoError(t, err)

	first, err := f.svc.MarkRead(ctx, msgs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, first.ReadAt)

	second, err := f.svc.MarkRead(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, *first.ReadAt, *second.ReadAt)

	_, err = f.svc.MarkRead(ctx, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestListMessages_LegacyOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	legacy := &models.BotMessage{ID: "legacy-1", Sender: models.SenderCandidate, MessageType: models.MessageTypeResponse, Text: "старое сообщение", CreatedAt: time.Now()}
	legacy.SetOwner(models.LegacyApplicationOwner(f.app.ID))
	f.store.PutMessage(legacy)

	msgs, err := f.svc.ListMessages(ctx, f.app.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "legacy-1", msgs[0].ID)
	assert.Nil(t, msgs[0].SessionID)
}

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	otherUnlock, err := km.Lock(context.Background(), "other")
	require.NoError(t, err)
	otherUnlock()

	unlock()
	unlock()
	again, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
	assert.Empty(t, km.locks)
}
