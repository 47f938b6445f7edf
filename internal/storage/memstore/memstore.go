// Package memstore 进程内存储，实现与 MySQL 仓储相同的方法集，用于测试和无数据库的单机运行。
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

// Store 所有记录保存在内存中，读写都返回副本
type Store struct {
	mu sync.RWMutex

	candidates   map[string]*models.Candidate
	vacancies    map[string]*models.Vacancy
	applications map[string]*models.Application
	sessions     map[string]*models.ChatSession
	messages     map[string]*models.BotMessage
	responses    map[string]*models.CandidateResponse
	results      map[string]*models.RelevanceResult
	outbox       []models.OutboxMessage
	outboxSeq    uint64

	// 失败注入，测试用
	FailPersist error
}

func New() *Store {
	return &Store{
		candidates:   make(map[string]*models.Candidate),
		vacancies:    make(map[string]*models.Vacancy),
		applications: make(map[string]*models.Application),
		sessions:     make(map[string]*models.ChatSession),
		messages:     make(map[string]*models.BotMessage),
		responses:    make(map[string]*models.CandidateResponse),
		results:      make(map[string]*models.RelevanceResult),
	}
}

// --- 种子数据 ---

func (s *Store) PutCandidate(c *models.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.candidates[c.ID] = &cp
}

func (s *Store) PutVacancy(v *models.Vacancy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.vacancies[v.ID] = &cp
}

func (s *Store) PutApplication(a *models.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if cp.Status == "" {
		cp.Status = models.ApplicationStatusNew
	}
	s.applications[a.ID] = &cp
}

// PutSession 直接写入会话，测试中用于构造过期会话
func (s *Store) PutSession(sess *models.ChatSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
}

// PutMessage 直接写入消息，测试中用于构造早期无会话的消息
func (s *Store) PutMessage(m *models.BotMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
}

// --- 查询 ---

func (s *Store) GetApplication(_ context.Context, id string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.applications[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetVacancy(_ context.Context, id string) (*models.Vacancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vacancies[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *Store) GetCandidate(_ context.Context, id string) (*models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candidates[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetApplicationBundle 申请及其职位和候选人
func (s *Store) GetApplicationBundle(ctx context.Context, id string) (*models.Application, *models.Vacancy, *models.Candidate, error) {
	app, err := s.GetApplication(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	vacancy, err := s.GetVacancy(ctx, app.VacancyID)
	if err != nil {
		return nil, nil, nil, err
	}
	candidate, err := s.GetCandidate(ctx, app.CandidateID)
	if err != nil {
		return nil, nil, nil, err
	}
	return app, vacancy, candidate, nil
}

func (s *Store) FindSessionByApplication(_ context.Context, applicationID string) (*models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess := s.sessionByApplicationLocked(applicationID); sess != nil {
		cp := *sess
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (s *Store) sessionByApplicationLocked(applicationID string) *models.ChatSession {
	for _, sess := range s.sessions {
		if sess.ApplicationID == applicationID {
			return sess
		}
	}
	return nil
}

// ListMessages 按 created_at, id 升序
func (s *Store) ListMessages(_ context.Context, owner models.MessageOwner) ([]models.BotMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BotMessage, 0)
	for _, m := range s.messages {
		if m.Owner() == owner {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetRelevanceResult(_ context.Context, applicationID string) (*models.RelevanceResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[applicationID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// CountRelevanceResults 申请的相关度结果条数
func (s *Store) CountRelevanceResults(applicationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.results[applicationID]; ok {
		return 1
	}
	return 0
}

// CandidateResponses 某申请的全部回答
func (s *Store) CandidateResponses(applicationID string) []models.CandidateResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CandidateResponse, 0)
	for _, r := range s.responses {
		if r.ApplicationID == applicationID {
			out = append(out, *r)
		}
	}
	return out
}

// Outbox 已写入的待发布任务
func (s *Store) Outbox() []models.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OutboxMessage, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// --- 写入 ---

func (s *Store) InitSession(_ context.Context, in models.SessionInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionByApplicationLocked(in.Session.ApplicationID) != nil {
		return models.ErrAlreadyExists
	}
	sess := *in.Session
	s.sessions[sess.ID] = &sess
	for _, m := range in.Messages {
		cp := *m
		s.messages[m.ID] = &cp
	}
	if in.CompleteApplication {
		if app, ok := s.applications[sess.ApplicationID]; ok {
			at := in.At
			app.ChatCompletedAt = &at
			app.Status = models.NextApplicationStatus(app.Status, models.ApplicationStatusReviewed)
			app.UpdatedAt = in.At
		}
	}
	return nil
}

func (s *Store) AppendMessage(_ context.Context, msg *models.BotMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return models.ErrAlreadyExists
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

// SaveCandidateResponse 按 (application, question) 覆盖
func (s *Store) SaveCandidateResponse(_ context.Context, resp *models.CandidateResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.responses {
		if existing.ApplicationID == resp.ApplicationID && existing.QuestionMessageID == resp.QuestionMessageID {
			cp := *resp
			cp.ID = existing.ID
			cp.CreatedAt = existing.CreatedAt
			s.responses[id] = &cp
			return nil
		}
	}
	cp := *resp
	s.responses[resp.ID] = &cp
	return nil
}

func (s *Store) TouchSession(_ context.Context, p models.SessionProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[p.SessionID]
	if !ok {
		return models.ErrNotFound
	}
	sess.QuestionsAnswered = p.QuestionsAnswered
	sess.CurrentQuestionIndex = p.CurrentQuestionIndex
	sess.LastActivity = p.At
	return nil
}

func (s *Store) CompleteSession(_ context.Context, c models.SessionCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[c.SessionID]
	if !ok {
		return models.ErrNotFound
	}
	at := c.At
	sess.IsActive = false
	sess.Status = c.Status
	sess.QuestionsAnswered = c.QuestionsAnswered
	sess.LastActivity = at
	sess.CompletedAt = &at

	if c.Message != nil {
		cp := *c.Message
		s.messages[cp.ID] = &cp
	}
	if app, ok := s.applications[c.ApplicationID]; ok {
		if c.StampChatCompleted {
			app.ChatCompletedAt = &at
		}
		if c.ApplicationStatus != "" {
			app.Status = models.NextApplicationStatus(app.Status, c.ApplicationStatus)
		}
		app.UpdatedAt = at
	}
	return nil
}

func (s *Store) MarkMessageRead(_ context.Context, messageID string, at time.Time) (*models.BotMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if m.ReadAt == nil {
		t := at
		m.ReadAt = &t
	}
	cp := *m
	return &cp, nil
}

func (s *Store) SavePreliminaryScore(_ context.Context, applicationID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.applications[applicationID]
	if !ok {
		return models.ErrNotFound
	}
	v := score
	app.InitialScore = &v
	return nil
}

// PersistAnalysis 申请分数/状态与相关度结果一起写入，返回最终状态
func (s *Store) PersistAnalysis(_ context.Context, rec models.AnalysisRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPersist != nil {
		return "", s.FailPersist
	}
	app, ok := s.applications[rec.ApplicationID]
	if !ok {
		return "", models.ErrNotFound
	}

	status := models.NextApplicationStatus(app.Status, rec.DesiredStatus)
	score := rec.FinalScore
	app.FinalScore = &score
	app.Status = status
	app.UpdatedAt = time.Now()

	result := *rec.Result
	result.ApplicationID = rec.ApplicationID
	if existing, ok := s.results[rec.ApplicationID]; ok {
		result.ID = existing.ID
		result.CreatedAt = existing.CreatedAt
	}
	result.UpdatedAt = time.Now()
	s.results[rec.ApplicationID] = &result
	return status, nil
}

// ExpireInactiveSessions 把 last_activity 早于 cutoff 的活跃会话置为超时
func (s *Store) ExpireInactiveSessions(_ context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.IsActive || !sess.LastActivity.Before(cutoff) {
			continue
		}
		at := now
		sess.IsActive = false
		sess.Status = models.SessionStatusTimeout
		sess.CompletedAt = &at
		if app, ok := s.applications[sess.ApplicationID]; ok {
			app.Status = models.NextApplicationStatus(app.Status, models.ApplicationStatusNoResponse)
			app.UpdatedAt = now
		}
		n++
	}
	return n, nil
}

// SubmitApplication 按邮箱合并候选人并创建申请，(vacancy, candidate) 已存在时返回 ErrAlreadyExists
func (s *Store) SubmitApplication(_ context.Context, sub models.ApplicationSubmission) (*models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vacancies[sub.VacancyID]; !ok {
		return nil, models.ErrNotFound
	}

	now := time.Now()
	var candidate *models.Candidate
	for _, c := range s.candidates {
		if strings.EqualFold(c.Email, sub.Candidate.Email) {
			candidate = c
			break
		}
	}
	// 重复申请时不改动已有候选人，与数据库事务回滚一致
	if candidate != nil {
		for _, a := range s.applications {
			if a.VacancyID == sub.VacancyID && a.CandidateID == candidate.ID {
				return nil, models.ErrAlreadyExists
			}
		}
		models.MergeCandidate(candidate, sub.Candidate)
		candidate.UpdatedAt = now
	} else {
		cp := *sub.Candidate
		if cp.PreferredEmploymentType == "" {
			cp.PreferredEmploymentType = models.EmploymentAny
		}
		cp.CreatedAt, cp.UpdatedAt = now, now
		s.candidates[cp.ID] = &cp
		candidate = &cp
	}

	app := &models.Application{
		ID:          sub.ApplicationID,
		VacancyID:   sub.VacancyID,
		CandidateID: candidate.ID,
		Status:      models.ApplicationStatusNew,
		Meta:        models.MustJSON(sub.Meta),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.applications[app.ID] = app

	if sub.AnalyzeTask != nil {
		s.outboxSeq++
		task := *sub.AnalyzeTask
		task.ID = s.outboxSeq
		task.Status = models.OutboxStatusPending
		task.CreatedAt = now
		s.outbox = append(s.outbox, task)
	}

	cp := *app
	return &cp, nil
}

// UpsertVacancy 按ID写入职位
func (s *Store) UpsertVacancy(_ context.Context, v *models.Vacancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cp := *v
	if existing, ok := s.vacancies[v.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.vacancies[v.ID] = &cp
	return nil
}

// EnqueueOutbox 追加一条待发布任务
func (s *Store) EnqueueOutbox(_ context.Context, msg *models.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxSeq++
	cp := *msg
	cp.ID = s.outboxSeq
	cp.Status = models.OutboxStatusPending
	cp.CreatedAt = time.Now()
	s.outbox = append(s.outbox, cp)
	msg.ID = cp.ID
	return nil
}
