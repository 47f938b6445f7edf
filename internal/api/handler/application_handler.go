package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/analysis"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/scoring"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

// CandidateInput 投递中的候选人资料
type CandidateInput struct {
	Name                    string   `json:"name" validate:"required,max=255"`
	Email                   string   `json:"email" validate:"required,email,max=255"`
	Phone                   string   `json:"phone" validate:"omitempty,max=50"`
	ResumeText              string   `json:"resume_text"`
	City                    string   `json:"city" validate:"max=255"`
	ExperienceYears         *float64 `json:"experience_years" validate:"omitempty,gte=0,lte=80"`
	Education               string   `json:"education" validate:"max=255"`
	Languages               []string `json:"languages"`
	Skills                  []string `json:"skills"`
	PreferredEmploymentType string   `json:"preferred_employment_type" validate:"omitempty,oneof=office remote hybrid any"`
	ExpectedSalary          *int64   `json:"expected_salary" validate:"omitempty,gte=0"`
	WillingToRelocate       *bool    `json:"willing_to_relocate"`
	NoticePeriodDays        *int     `json:"notice_period_days" validate:"omitempty,gte=0"`
}

// SubmitApplicationRequest POST /applications
type SubmitApplicationRequest struct {
	VacancyID string                 `json:"vacancy_id" validate:"required"`
	Candidate CandidateInput         `json:"candidate"`
	Meta      map[string]interface{} `json:"meta"`
}

// UpsertVacancyRequest PUT /vacancies/:id
type UpsertVacancyRequest struct {
	Title           string   `json:"title" validate:"required,max=255"`
	Description     string   `json:"description"`
	City            string   `json:"city" validate:"max=255"`
	ExperienceYears *float64 `json:"experience_years" validate:"omitempty,gte=0,lte=80"`
	EmploymentType  string   `json:"employment_type" validate:"omitempty,oneof=office remote hybrid"`
	SalaryFrom      *int64   `json:"salary_from" validate:"omitempty,gte=0"`
	SalaryTo        *int64   `json:"salary_to" validate:"omitempty,gte=0"`
	Skills          []string `json:"skills"`
}

func (in CandidateInput) toModel() *models.Candidate {
	return &models.Candidate{
		ID:                      models.NewID(),
		Name:                    strings.TrimSpace(in.Name),
		Email:                   strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:                   in.Phone,
		ResumeText:              in.ResumeText,
		City:                    strings.TrimSpace(in.City),
		ExperienceYears:         in.ExperienceYears,
		Education:               in.Education,
		Languages:               models.StringsToJSON(in.Languages),
		Skills:                  models.StringsToJSON(in.Skills),
		PreferredEmploymentType: in.PreferredEmploymentType,
		ExpectedSalary:          in.ExpectedSalary,
		WillingToRelocate:       in.WillingToRelocate,
		NoticePeriodDays:        in.NoticePeriodDays,
	}
}

// bindJSON 解析并校验请求体
func (h *Handler) bindJSON(c *app.RequestContext, out interface{}) bool {
	if err := json.Unmarshal(c.Request.Body(), out); err != nil {
		h.badRequest(c, "请求体不是合法的JSON")
		return false
	}
	if err := h.validate.Struct(out); err != nil {
		h.badRequest(c, err.Error())
		return false
	}
	return true
}

// SubmitApplication 候选人投递。申请与首个分析任务同事务写入。
// POST /api/v1/applications
func (h *Handler) SubmitApplication(ctx context.Context, c *app.RequestContext) {
	var req SubmitApplicationRequest
	if !h.bindJSON(c, &req) {
		return
	}

	appID := models.NewID()
	task, err := h.Dispatcher.AnalyzeOutbox(appID, analysis.ReasonApplicationCreated)
	if err != nil {
		h.writeError(c, err)
		return
	}

	application, err := h.Store.SubmitApplication(ctx, models.ApplicationSubmission{
		ApplicationID: appID,
		Candidate:     req.Candidate.toModel(),
		VacancyID:     req.VacancyID,
		Meta:          req.Meta,
		AnalyzeTask:   task,
	})
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(consts.StatusNotFound, utils.H{"error": "职位不存在"})
		return
	case errors.Is(err, models.ErrAlreadyExists):
		c.JSON(consts.StatusConflict, utils.H{"error": "候选人已申请该职位"})
		return
	case err != nil:
		h.writeError(c, err)
		return
	}

	// 进程内模式没有 outbox，直接派发
	if task == nil {
		if err := h.Dispatcher.TriggerAnalysis(ctx, appID, analysis.ReasonApplicationCreated); err != nil {
			h.log.Warn().Err(err).Str("application_id", appID).Msg("派发首次分析失败")
		}
	}

	resp := utils.H{
		"application_id": application.ID,
		"candidate_id":   application.CandidateID,
		"status":         application.Status,
	}
	if h.Tokens != nil {
		token, expiresAt, err := h.Tokens.Issue(application.ID)
		if err != nil {
			h.log.Error().Err(err).Str("application_id", application.ID).Msg("签发聊天令牌失败")
		} else {
			resp["chat_token"] = token
			resp["expires_at"] = expiresAt
		}
	}
	h.log.Info().Str("application_id", application.ID).Str("vacancy_id", req.VacancyID).Msg("收到新申请")
	c.JSON(consts.StatusCreated, resp)
}

// IssueChatToken POST /api/v1/applications/:id/chat/token
func (h *Handler) IssueChatToken(ctx context.Context, c *app.RequestContext) {
	appID := c.Param("id")
	if _, err := h.Store.GetApplication(ctx, appID); err != nil {
		h.writeError(c, err)
		return
	}
	if h.Tokens == nil {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"error": "未配置聊天令牌"})
		return
	}
	token, expiresAt, err := h.Tokens.Issue(appID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, utils.H{"application_id": appID, "chat_token": token, "expires_at": expiresAt})
}

// UpsertVacancy PUT /api/v1/vacancies/:id
func (h *Handler) UpsertVacancy(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if id == "" {
		h.badRequest(c, "id 不能为空")
		return
	}
	var req UpsertVacancyRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if req.SalaryFrom != nil && req.SalaryTo != nil && *req.SalaryFrom > *req.SalaryTo {
		h.badRequest(c, "salary_from 不能大于 salary_to")
		return
	}
	v := &models.Vacancy{
		ID:              id,
		Title:           strings.TrimSpace(req.Title),
		Description:     req.Description,
		City:            strings.TrimSpace(req.City),
		ExperienceYears: req.ExperienceYears,
		EmploymentType:  req.EmploymentType,
		SalaryFrom:      req.SalaryFrom,
		SalaryTo:        req.SalaryTo,
		Skills:          models.StringsToJSON(req.Skills),
	}
	if err := h.Store.UpsertVacancy(ctx, v); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, utils.H{"id": id})
}

// ResultView 雇主查看的申请评估结果
type ResultView struct {
	ApplicationID   string                 `json:"application_id"`
	Status          string                 `json:"status"`
	InitialScore    *float64               `json:"initial_score"`
	FinalScore      *float64               `json:"final_score"`
	Score           *float64               `json:"score,omitempty"`
	Reasons         []scoring.Discrepancy  `json:"reasons,omitempty"`
	Summary         string                 `json:"summary,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ChatCompletedAt *time.Time             `json:"chat_completed_at"`
}

// GetResults GET /api/v1/applications/:id/results
func (h *Handler) GetResults(ctx context.Context, c *app.RequestContext) {
	appID := c.Param("id")
	application, err := h.Store.GetApplication(ctx, appID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	view := ResultView{
		ApplicationID:   application.ID,
		Status:          application.Status,
		InitialScore:    application.InitialScore,
		FinalScore:      application.FinalScore,
		ChatCompletedAt: application.ChatCompletedAt,
	}

	result, err := h.Store.GetRelevanceResult(ctx, appID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		h.writeError(c, err)
		return
	default:
		score := result.Score
		view.Score = &score
		view.Summary = result.Summary
		if err := models.DecodeJSON(result.Reasons, &view.Reasons); err != nil {
			h.log.Warn().Err(err).Str("application_id", appID).Msg("解析 reasons 失败")
		}
		if err := models.DecodeJSON(result.Metadata, &view.Metadata); err != nil {
			h.log.Warn().Err(err).Str("application_id", appID).Msg("解析 metadata 失败")
		}
	}
	c.JSON(consts.StatusOK, view)
}

// TriggerAnalysis 雇主手动复评
// POST /api/v1/applications/:id/analyze
func (h *Handler) TriggerAnalysis(ctx context.Context, c *app.RequestContext) {
	appID := c.Param("id")
	if _, err := h.Store.GetApplication(ctx, appID); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.Dispatcher.TriggerAnalysis(ctx, appID, analysis.ReasonManual); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusAccepted, utils.H{"application_id": appID, "status": "queued"})
}

// Sweep 手动执行一轮超时清理
// POST /api/v1/maintenance/sweep
func (h *Handler) Sweep(ctx context.Context, c *app.RequestContext) {
	if h.Sweeper == nil {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"error": "清理任务未启用"})
		return
	}
	n, err := h.Sweeper.Sweep(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, utils.H{"expired": n})
}
