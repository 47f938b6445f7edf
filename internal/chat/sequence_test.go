package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/llm"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

type logBuilder struct {
	base time.Time
	log  []models.BotMessage
}

func (b *logBuilder) add(id, sender string, isQuestion bool, text string) *logBuilder {
	b.log = append(b.log, models.BotMessage{
		ID:         id,
		Sender:     sender,
		IsQuestion: isQuestion,
		Text:       text,
		CreatedAt:  b.base.Add(time.Duration(len(b.log)) * time.Second),
	})
	return b
}

func newLog() *logBuilder {
	return &logBuilder{base: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func TestNextQuestion_Interleaved(t *testing.T) {
	b := newLog().
		add("w", models.SenderBot, false, "welcome").
		add("q1", models.SenderBot, true, "Q1").
		add("r1", models.SenderCandidate, false, "A1").
		add("q2", models.SenderBot, true, "Q2").
		add("r2", models.SenderCandidate, false, "A2").
		add("q3", models.SenderBot, true, "Q3")

	next := NextQuestion(b.log)
	require.NotNil(t, next)
	assert.Equal(t, "Q3", next.Text)
	assert.Equal(t, 2, AnsweredCount(b.log))

	b.add("r3", models.SenderCandidate, false, "A3")
	assert.Nil(t, NextQuestion(b.log))
	assert.Equal(t, 3, AnsweredCount(b.log))
}

func TestNextQuestion_QuestionsEmittedUpFront(t *testing.T) {
	b := newLog().
		add("w", models.SenderBot, false, "welcome").
		add("q1", models.SenderBot, true, "Q1").
		add("q2", models.SenderBot, true, "Q2").
		add("q3", models.SenderBot, true, "Q3")

	require.NotNil(t, NextQuestion(b.log))
	assert.Equal(t, "Q1", NextQuestion(b.log).Text)

	b.add("r1", models.SenderCandidate, false, "A1")
	assert.Equal(t, "Q2", NextQuestion(b.log).Text)
	assert.Equal(t, 1, QuestionIndex(b.log, NextQuestion(b.log).ID))

	b.add("r2", models.SenderCandidate, false, "A2")
	assert.Equal(t, "Q3", NextQuestion(b.log).Text)

	b.add("r3", models.SenderCandidate, false, "A3")
	assert.Nil(t, NextQuestion(b.log))
}

func TestNextQuestion_NoQuestions(t *testing.T) {
	b := newLog().add("w", models.SenderBot, false, "welcome")
	assert.Nil(t, NextQuestion(b.log))
	assert.Nil(t, NextQuestion(nil))
	assert.Equal(t, -1, QuestionIndex(b.log, "missing"))
}

func TestTranscript(t *testing.T) {
	b := newLog().
		add("w", models.SenderBot, false, "welcome").
		add("r0", models.SenderCandidate, false, "hello before questions").
		add("q1", models.SenderBot, true, "Где вы живёте?").
		add("q2", models.SenderBot, true, "Сколько лет опыта?").
		add("r1", models.SenderCandidate, false, "Алматы").
		add("r2", models.SenderCandidate, false, "Два года")

	assert.Equal(t, []llm.QA{
		{Question: "Где вы живёте?", Answer: "Алматы"},
		{Question: "Сколько лет опыта?", Answer: "Два года"},
	}, Transcript(b.log))
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, "location", CategoryFor(0))
	assert.Equal(t, "experience", CategoryFor(1))
	assert.Equal(t, "skills", CategoryFor(2))
	assert.Equal(t, "preferences", CategoryFor(3))
	assert.Equal(t, "location", CategoryFor(4))
}

func TestNextTimestamp(t *testing.T) {
	b := newLog().add("w", models.SenderBot, false, "welcome")
	last := b.log[0].CreatedAt

	assert.Equal(t, last.Add(time.Microsecond), nextTimestamp(b.log, last))
	assert.Equal(t, last.Add(time.Microsecond), nextTimestamp(b.log, last.Add(-time.Hour)))
	later := last.Add(time.Minute)
	assert.Equal(t, later, nextTimestamp(b.log, later))
	assert.Equal(t, later, nextTimestamp(nil, later))
}

func TestAnswerHeuristics(t *testing.T) {
	s, c := answerHeuristics("Да, готов к переезду")
	assert.Greater(t, s, 0.0)
	assert.Greater(t, c, 0.0)

	s, _ = answerHeuristics("Нет, не готов")
	assert.Less(t, s, 0.0)

	s, c = answerHeuristics("Работаю пять лет в компании, занимаюсь бэкендом на Go и немного фронтендом, руковожу небольшой командой и участвую в найме новых сотрудников")
	assert.Equal(t, 0.0, s)
	assert.Equal(t, 1.0, c)
}
