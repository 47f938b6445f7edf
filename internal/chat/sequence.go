package chat

import (
	"time"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/llm"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

// 问题类别按序号轮换
var questionCategories = []string{"location", "experience", "skills", "preferences"}

// CategoryFor 第 i 个问题的类别
func CategoryFor(i int) string {
	if i < 0 {
		i = -i
	}
	return questionCategories[i%len(questionCategories)]
}

// pendingQuestions 按日志顺序配对：每条候选人消息回答在它之前、尚未被回答的最早一个问题。
// 返回未被回答的问题在 log 中的下标（升序）以及已回答数。
func pendingQuestions(log []models.BotMessage) (pending []int, answered int) {
	for i := range log {
		switch {
		case log[i].Sender == models.SenderBot && log[i].IsQuestion:
			pending = append(pending, i)
		case log[i].Sender == models.SenderCandidate && len(pending) > 0:
			pending = pending[1:]
			answered++
		}
	}
	return pending, answered
}

// NextQuestion 返回第一个尚未得到候选人回复的机器人问题，没有则返回 nil。
// log 必须按 created_at, id 升序。
func NextQuestion(log []models.BotMessage) *models.BotMessage {
	pending, _ := pendingQuestions(log)
	if len(pending) == 0 {
		return nil
	}
	return &log[pending[0]]
}

// QuestionIndex 问题在所有问题中的序号，找不到返回 -1
func QuestionIndex(log []models.BotMessage, questionID string) int {
	idx := 0
	for i := range log {
		if log[i].Sender != models.SenderBot || !log[i].IsQuestion {
			continue
		}
		if log[i].ID == questionID {
			return idx
		}
		idx++
	}
	return -1
}

// AnsweredCount 已得到回复的问题数
func AnsweredCount(log []models.BotMessage) int {
	_, answered := pendingQuestions(log)
	return answered
}

// Transcript 按与 NextQuestion 相同的配对规则列出问答
func Transcript(log []models.BotMessage) []llm.QA {
	pairs := make([]llm.QA, 0)
	var pending []int
	for i := range log {
		switch {
		case log[i].Sender == models.SenderBot && log[i].IsQuestion:
			pending = append(pending, i)
		case log[i].Sender == models.SenderCandidate && len(pending) > 0:
			pairs = append(pairs, llm.QA{Question: log[pending[0]].Text, Answer: log[i].Text})
			pending = pending[1:]
		}
	}
	return pairs
}

// nextTimestamp 保证新消息的时间严格晚于日志中最后一条
func nextTimestamp(log []models.BotMessage, now time.Time) time.Time {
	if n := len(log); n > 0 {
		last := log[n-1].CreatedAt
		if !now.After(last) {
			return last.Add(time.Microsecond)
		}
	}
	return now
}
