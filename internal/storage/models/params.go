package models

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// NewID 生成按时间排序的 UUIDv7 主键
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SessionInit 会话初始化需要原子写入的内容
type SessionInit struct {
	Session  *ChatSession
	Messages []*BotMessage
	// CompleteApplication 为 true 时同时写入 chat_completed_at 并把申请置为 reviewed（强匹配）
	CompleteApplication bool
	At                  time.Time
}

// SessionProgress 候选人回答后更新的计数
type SessionProgress struct {
	SessionID            string
	QuestionsAnswered    int
	CurrentQuestionIndex int
	At                   time.Time
}

// SessionCompletion 会话进入终态
type SessionCompletion struct {
	SessionID         string
	ApplicationID     string
	Status            string
	QuestionsAnswered int
	At                time.Time
	// Message 可选，与状态变更一同写入
	Message *BotMessage
	// ApplicationStatus 非空时按 NextApplicationStatus 更新申请状态
	ApplicationStatus string
	// StampChatCompleted 写入申请的 chat_completed_at
	StampChatCompleted bool
}

// AnalysisRecord 一次分析的持久化结果，申请与相关度结果在同一事务中写入
type AnalysisRecord struct {
	ApplicationID string
	FinalScore    float64
	// DesiredStatus 会经过 NextApplicationStatus 过滤
	DesiredStatus string
	Result        *RelevanceResult
}

// ApplicationSubmission 候选人投递：候选人按邮箱合并，申请与分析任务同事务写入
type ApplicationSubmission struct {
	// ApplicationID 由调用方预先生成，任务载荷中需要引用它
	ApplicationID string
	Candidate     *Candidate
	VacancyID     string
	Meta          map[string]interface{}
	AnalyzeTask   *OutboxMessage
}

// MergeCandidate 把新投递中非空的字段覆盖到已有候选人上，ID 和邮箱保持不变
func MergeCandidate(existing, incoming *Candidate) {
	if incoming.Name != "" {
		existing.Name = incoming.Name
	}
	if incoming.Phone != "" {
		existing.Phone = incoming.Phone
	}
	if incoming.ResumeText != "" {
		existing.ResumeText = incoming.ResumeText
	}
	if incoming.City != "" {
		existing.City = incoming.City
	}
	if incoming.ExperienceYears != nil {
		existing.ExperienceYears = incoming.ExperienceYears
	}
	if incoming.Education != "" {
		existing.Education = incoming.Education
	}
	if len(incoming.Languages) > 0 {
		existing.Languages = incoming.Languages
	}
	if len(incoming.Skills) > 0 {
		existing.Skills = incoming.Skills
	}
	if incoming.PreferredEmploymentType != "" {
		existing.PreferredEmploymentType = incoming.PreferredEmploymentType
	}
	if incoming.ExpectedSalary != nil {
		existing.ExpectedSalary = incoming.ExpectedSalary
	}
	if incoming.WillingToRelocate != nil {
		existing.WillingToRelocate = incoming.WillingToRelocate
	}
	if incoming.NoticePeriodDays != nil {
		existing.NoticePeriodDays = incoming.NoticePeriodDays
	}
}
