package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

// Repository 基于 GORM 的筛选数据仓储，方法集与 memstore.Store 一致
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// translate 把 GORM 错误映射为 models 中的哨兵错误
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return models.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", models.ErrAlreadyExists, err)
	default:
		return err
	}
}

// --- 读取 ---

func (r *Repository) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	var app models.Application
	if err := r.db.WithContext(ctx).First(&app, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &app, nil
}

func (r *Repository) GetVacancy(ctx context.Context, id string) (*models.Vacancy, error) {
	var v models.Vacancy
	if err := r.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

func (r *Repository) GetCandidate(ctx context.Context, id string) (*models.Candidate, error) {
	var c models.Candidate
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

// GetApplicationBundle 申请及其职位和候选人
func (r *Repository) GetApplicationBundle(ctx context.Context, id string) (*models.Application, *models.Vacancy, *models.Candidate, error) {
	app, err := r.GetApplication(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	vacancy, err := r.GetVacancy(ctx, app.VacancyID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("vacancy %s: %w", app.VacancyID, err)
	}
	candidate, err := r.GetCandidate(ctx, app.CandidateID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("candidate %s: %w", app.CandidateID, err)
	}
	return app, vacancy, candidate, nil
}

func (r *Repository) FindSessionByApplication(ctx context.Context, applicationID string) (*models.ChatSession, error) {
	var s models.ChatSession
	if err := r.db.WithContext(ctx).First(&s, "application_id = ?", applicationID).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

// ListMessages 按 created_at, id 升序
func (r *Repository) ListMessages(ctx context.Context, owner models.MessageOwner) ([]models.BotMessage, error) {
	q := r.db.WithContext(ctx).Model(&models.BotMessage{})
	switch owner.Kind {
	case models.OwnerSession:
		q = q.Where("session_id = ?", owner.ID)
	case models.OwnerLegacyApplication:
		q = q.Where("application_id = ? AND session_id IS NULL", owner.ID)
	default:
		return nil, fmt.Errorf("unknown message owner kind %d", owner.Kind)
	}
	var out []models.BotMessage
	if err := q.Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) GetRelevanceResult(ctx context.Context, applicationID string) (*models.RelevanceResult, error) {
	var res models.RelevanceResult
	if err := r.db.WithContext(ctx).First(&res, "application_id = ?", applicationID).Error; err != nil {
		return nil, translate(err)
	}
	return &res, nil
}

// --- 会话写入 ---

// InitSession 会话与初始消息同事务写入，application_id 唯一索引保证每个申请只有一个会话
func (r *Repository) InitSession(ctx context.Context, in models.SessionInit) error {
	return translate(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(in.Session).Error; err != nil {
			return err
		}
		if len(in.Messages) > 0 {
			if err := tx.Create(in.Messages).Error; err != nil {
				return err
			}
		}
		if in.CompleteApplication {
			return transitionApplication(tx, in.Session.ApplicationID, models.ApplicationStatusReviewed, map[string]interface{}{
				"chat_completed_at": in.At,
			})
		}
		return nil
	}))
}

func (r *Repository) AppendMessage(ctx context.Context, msg *models.BotMessage) error {
	return translate(r.db.WithContext(ctx).Create(msg).Error)
}

// SaveCandidateResponse 按 (application, question) 覆盖
func (r *Repository) SaveCandidateResponse(ctx context.Context, resp *models.CandidateResponse) error {
	return translate(r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "application_id"}, {Name: "question_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"answer_text", "sentiment_score", "confidence_score", "extracted_data", "session_id", "updated_at",
		}),
	}).Create(resp).Error)
}

func (r *Repository) TouchSession(ctx context.Context, p models.SessionProgress) error {
	res := r.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ?", p.SessionID).
		Updates(map[string]interface{}{
			"questions_answered":     p.QuestionsAnswered,
			"current_question_index": p.CurrentQuestionIndex,
			"last_activity":          p.At,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CompleteSession 会话终态、收尾消息和申请状态在同一事务中写入
func (r *Repository) CompleteSession(ctx context.Context, c models.SessionCompletion) error {
	return translate(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ChatSession{}).Where("id = ?", c.SessionID).Updates(map[string]interface{}{
			"is_active":          false,
			"status":             c.Status,
			"questions_answered": c.QuestionsAnswered,
			"last_activity":      c.At,
			"completed_at":       c.At,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if c.Message != nil {
			if err := tx.Create(c.Message).Error; err != nil {
				return err
			}
		}
		extra := map[string]interface{}{}
		if c.StampChatCompleted {
			extra["chat_completed_at"] = c.At
		}
		if c.ApplicationStatus == "" && len(extra) == 0 {
			return nil
		}
		return transitionApplication(tx, c.ApplicationID, c.ApplicationStatus, extra)
	}))
}

// MarkMessageRead read_at 只写入一次
func (r *Repository) MarkMessageRead(ctx context.Context, messageID string, at time.Time) (*models.BotMessage, error) {
	var msg models.BotMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.BotMessage{}).
			Where("id = ? AND read_at IS NULL", messageID).
			Update("read_at", at).Error; err != nil {
			return err
		}
		return tx.First(&msg, "id = ?", messageID).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// ExpireInactiveSessions 把 last_activity 早于 cutoff 的活跃会话置为超时，申请转为 no_response
func (r *Repository) ExpireInactiveSessions(ctx context.Context, cutoff, now time.Time) (int, error) {
	expired := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sessions []models.ChatSession
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("is_active = ? AND last_activity < ?", true, cutoff).
			Find(&sessions).Error; err != nil {
			return err
		}
		for _, s := range sessions {
			if err := tx.Model(&models.ChatSession{}).Where("id = ?", s.ID).Updates(map[string]interface{}{
				"is_active":    false,
				"status":       models.SessionStatusTimeout,
				"completed_at": now,
			}).Error; err != nil {
				return err
			}
			if err := transitionApplication(tx, s.ApplicationID, models.ApplicationStatusNoResponse, nil); err != nil &&
				!errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		expired = len(sessions)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

// --- 分析写入 ---

func (r *Repository) SavePreliminaryScore(ctx context.Context, applicationID string, score float64) error {
	res := r.db.WithContext(ctx).Model(&models.Application{}).
		Where("id = ?", applicationID).
		Update("initial_score", score)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// PersistAnalysis 申请分数与状态、相关度结果同事务写入，返回最终状态
func (r *Repository) PersistAnalysis(ctx context.Context, rec models.AnalysisRecord) (string, error) {
	var status string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app models.Application
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&app, "id = ?", rec.ApplicationID).Error; err != nil {
			return err
		}
		status = models.NextApplicationStatus(app.Status, rec.DesiredStatus)
		if err := tx.Model(&app).Updates(map[string]interface{}{
			"final_score": rec.FinalScore,
			"status":      status,
		}).Error; err != nil {
			return err
		}

		result := *rec.Result
		result.ApplicationID = rec.ApplicationID
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "application_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"score", "reasons", "summary", "metadata", "updated_at"}),
		}).Create(&result).Error
	})
	if err != nil {
		return "", translate(err)
	}
	return status, nil
}

// --- 投递与职位 ---

// SubmitApplication 按邮箱合并候选人，创建申请并写入 outbox，全部在一个事务内
func (r *Repository) SubmitApplication(ctx context.Context, sub models.ApplicationSubmission) (*models.Application, error) {
	var app *models.Application
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vacancy models.Vacancy
		if err := tx.Select("id").First(&vacancy, "id = ?", sub.VacancyID).Error; err != nil {
			return err
		}

		var candidate models.Candidate
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("LOWER(email) = ?", strings.ToLower(sub.Candidate.Email)).
			First(&candidate).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			candidate = *sub.Candidate
			if candidate.PreferredEmploymentType == "" {
				candidate.PreferredEmploymentType = models.EmploymentAny
			}
			if err := tx.Create(&candidate).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			models.MergeCandidate(&candidate, sub.Candidate)
			if err := tx.Save(&candidate).Error; err != nil {
				return err
			}
		}

		app = &models.Application{
			ID:          sub.ApplicationID,
			VacancyID:   sub.VacancyID,
			CandidateID: candidate.ID,
			Status:      models.ApplicationStatusNew,
			Meta:        models.MustJSON(sub.Meta),
		}
		if err := tx.Create(app).Error; err != nil {
			return err
		}
		if sub.AnalyzeTask != nil {
			task := *sub.AnalyzeTask
			task.Status = models.OutboxStatusPending
			return tx.Create(&task).Error
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return app, nil
}

// UpsertVacancy 按ID写入职位
func (r *Repository) UpsertVacancy(ctx context.Context, v *models.Vacancy) error {
	return translate(r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "description", "city", "experience_years", "employment_type",
			"salary_from", "salary_to", "skills", "updated_at",
		}),
	}).Create(v).Error)
}

// EnqueueOutbox 单独写入一条待发布任务，进程内派发缓冲满时使用
func (r *Repository) EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error {
	msg.Status = models.OutboxStatusPending
	return r.db.WithContext(ctx).Create(msg).Error
}

// transitionApplication 在事务内锁定申请并按 NextApplicationStatus 更新状态
func transitionApplication(tx *gorm.DB, applicationID, desired string, extra map[string]interface{}) error {
	var app models.Application
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&app, "id = ?", applicationID).Error; err != nil {
		return err
	}
	updates := map[string]interface{}{}
	for k, v := range extra {
		updates[k] = v
	}
	if desired != "" {
		updates["status"] = models.NextApplicationStatus(app.Status, desired)
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(&app).Updates(updates).Error
}
