package models

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// ErrNotFound 记录不存在。仓储层把 gorm.ErrRecordNotFound 统一转换为该错误。
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists 唯一约束冲突（例如同一申请重复创建会话）
var ErrAlreadyExists = errors.New("record already exists")

// 申请状态
const (
	ApplicationStatusNew            = "new"
	ApplicationStatusChatInProgress = "chat_in_progress"
	ApplicationStatusReviewed       = "reviewed"
	ApplicationStatusRejected       = "rejected"
	ApplicationStatusHired          = "hired"
	ApplicationStatusNoResponse     = "no_response"
)

// 会话状态
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusAbandoned = "abandoned"
	SessionStatusTimeout   = "timeout"
)

// 消息发送方
const (
	SenderBot       = "bot"
	SenderCandidate = "candidate"
)

// 消息类型
const (
	MessageTypeWelcome       = "welcome"
	MessageTypeQuestion      = "question"
	MessageTypeInfo          = "info"
	MessageTypeClarification = "clarification"
	MessageTypeCompletion    = "completion"
	MessageTypeResponse      = "response"
)

// 候选人偏好的工作形式
const (
	EmploymentOffice = "office"
	EmploymentRemote = "remote"
	EmploymentHybrid = "hybrid"
	EmploymentAny    = "any"
)

// Candidate 候选人，email 为自然键
type Candidate struct {
	ID                      string         `gorm:"type:char(36);primaryKey"`
	Name                    string         `gorm:"type:varchar(255)"`
	Email                   string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_candidates_email_unique"`
	Phone                   string         `gorm:"type:varchar(50)"`
	ResumeText              string         `gorm:"type:mediumtext"`
	City                    string         `gorm:"type:varchar(255)"`
	ExperienceYears         *float64       `gorm:"type:decimal(4,1)"`
	Education               string         `gorm:"type:varchar(255)"`
	Languages               datatypes.JSON `gorm:"type:json"`
	Skills                  datatypes.JSON `gorm:"type:json"`
	PreferredEmploymentType string         `gorm:"type:varchar(20);default:'any'"`
	ExpectedSalary          *int64         `gorm:"type:bigint"`
	WillingToRelocate       *bool
	NoticePeriodDays        *int
	CreatedAt               time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt               time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Candidate) TableName() string {
	return "candidates"
}

// Vacancy 职位，核心流程只读
type Vacancy struct {
	ID              string         `gorm:"type:char(36);primaryKey"`
	Title           string         `gorm:"type:varchar(255);not null"`
	Description     string         `gorm:"type:text"`
	City            string         `gorm:"type:varchar(255)"`
	ExperienceYears *float64       `gorm:"type:decimal(4,1)"`
	EmploymentType  string         `gorm:"type:varchar(20)"`
	SalaryFrom      *int64         `gorm:"type:bigint"`
	SalaryTo        *int64         `gorm:"type:bigint"`
	Skills          datatypes.JSON `gorm:"type:json"`
	CreatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Vacancy) TableName() string {
	return "vacancies"
}

// Application 候选人对职位的申请，(vacancy, candidate) 唯一
type Application struct {
	ID              string         `gorm:"type:char(36);primaryKey"`
	VacancyID       string         `gorm:"type:char(36);not null;uniqueIndex:idx_app_vacancy_candidate,priority:1"`
	CandidateID     string         `gorm:"type:char(36);not null;uniqueIndex:idx_app_vacancy_candidate,priority:2;index:idx_app_candidate"`
	Status          string         `gorm:"type:varchar(30);not null;default:'new';index:idx_app_status"`
	InitialScore    *float64       `gorm:"type:decimal(5,2)"`
	FinalScore      *float64       `gorm:"type:decimal(5,2)"`
	Meta            datatypes.JSON `gorm:"type:json"`
	ChatCompletedAt *time.Time     `gorm:"type:datetime(6)"`
	CreatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Application) TableName() string {
	return "applications"
}

// ChatSession 每个申请至多一个
type ChatSession struct {
	ID                   string         `gorm:"type:char(36);primaryKey" json:"id"`
	ApplicationID        string         `gorm:"type:char(36);not null;uniqueIndex:idx_chat_sessions_application" json:"application_id"`
	IsActive             bool           `gorm:"not null;default:true;index:idx_chat_sessions_active_activity,priority:1" json:"is_active"`
	Status               string         `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	CurrentQuestionIndex int            `gorm:"not null;default:0" json:"current_question_index"`
	TotalQuestions       int            `gorm:"not null;default:0" json:"total_questions"`
	QuestionsAnswered    int            `gorm:"not null;default:0" json:"questions_answered"`
	SessionData          datatypes.JSON `gorm:"type:json" json:"session_data"`
	LastActivity         time.Time      `gorm:"type:datetime(6);index:idx_chat_sessions_active_activity,priority:2" json:"last_activity"`
	CompletedAt          *time.Time     `gorm:"type:datetime(6)" json:"completed_at"`
	CreatedAt            time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime" json:"updated_at"`
}

func (ChatSession) TableName() string {
	return "chat_sessions"
}

// Terminal 会话是否已处于终态
func (s *ChatSession) Terminal() bool {
	return s.Status != SessionStatusActive
}

// SessionData 会话初始化时记录的上下文
type SessionData struct {
	Discrepancies []string  `json:"discrepancies"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// OwnerKind 消息归属的类型
type OwnerKind int

const (
	OwnerUnknown OwnerKind = iota
	// OwnerSession 消息属于某个聊天会话
	OwnerSession
	// OwnerLegacyApplication 早期没有会话时直接挂在申请上的消息
	OwnerLegacyApplication
)

// MessageOwner 消息的归属，二者取一
type MessageOwner struct {
	Kind OwnerKind
	ID   string
}

func SessionOwner(sessionID string) MessageOwner {
	return MessageOwner{Kind: OwnerSession, ID: sessionID}
}

func LegacyApplicationOwner(applicationID string) MessageOwner {
	return MessageOwner{Kind: OwnerLegacyApplication, ID: applicationID}
}

// BotMessage 会话中有序的消息日志
type BotMessage struct {
	ID                 string         `gorm:"type:char(36);primaryKey" json:"id"`
	SessionID          *string        `gorm:"type:char(36);index:idx_bot_messages_session_created,priority:1" json:"session_id"`
	ApplicationID      *string        `gorm:"type:char(36);index:idx_bot_messages_application_created,priority:1" json:"application_id"`
	Sender             string         `gorm:"type:varchar(20);not null" json:"sender"`
	MessageType        string         `gorm:"type:varchar(20);not null" json:"message_type"`
	Text               string         `gorm:"type:text;not null" json:"text"`
	IsQuestion         bool           `gorm:"not null;default:false" json:"is_question"`
	QuestionCategory   string         `gorm:"type:varchar(30)" json:"question_category"`
	ExpectedAnswerType string         `gorm:"type:varchar(30)" json:"expected_answer_type"`
	ParentMessageID    *string        `gorm:"type:char(36)" json:"parent_message_id"`
	Metadata           datatypes.JSON `gorm:"type:json" json:"metadata"`
	ReadAt             *time.Time     `gorm:"type:datetime(6)" json:"read_at"`
	CreatedAt          time.Time      `gorm:"type:datetime(6);index:idx_bot_messages_session_created,priority:2;index:idx_bot_messages_application_created,priority:2" json:"created_at"`
}

func (BotMessage) TableName() string {
	return "bot_messages"
}

// Owner 返回消息归属
func (m *BotMessage) Owner() MessageOwner {
	switch {
	case m.SessionID != nil && *m.SessionID != "":
		return SessionOwner(*m.SessionID)
	case m.ApplicationID != nil && *m.ApplicationID != "":
		return LegacyApplicationOwner(*m.ApplicationID)
	default:
		return MessageOwner{}
	}
}

// SetOwner 设置归属，同时清空另一列
func (m *BotMessage) SetOwner(owner MessageOwner) {
	m.SessionID, m.ApplicationID = nil, nil
	id := owner.ID
	switch owner.Kind {
	case OwnerSession:
		m.SessionID = &id
	case OwnerLegacyApplication:
		m.ApplicationID = &id
	}
}

// CandidateResponse 候选人对某个问题的回答，(application, question) 唯一
type CandidateResponse struct {
	ID                string         `gorm:"type:char(36);primaryKey"`
	ApplicationID     string         `gorm:"type:char(36);not null;uniqueIndex:idx_candidate_responses_app_question,priority:1"`
	QuestionMessageID string         `gorm:"type:char(36);not null;uniqueIndex:idx_candidate_responses_app_question,priority:2"`
	SessionID         string         `gorm:"type:char(36);index"`
	AnswerText        string         `gorm:"type:text;not null"`
	SentimentScore    *float64       `gorm:"type:decimal(4,3)"`
	ConfidenceScore   *float64       `gorm:"type:decimal(4,3)"`
	ExtractedData     datatypes.JSON `gorm:"type:json"`
	CreatedAt         time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt         time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (CandidateResponse) TableName() string {
	return "candidate_responses"
}

// RelevanceResult 每个申请一条，重复分析时覆盖
type RelevanceResult struct {
	ID            string         `gorm:"type:char(36);primaryKey"`
	ApplicationID string         `gorm:"type:char(36);not null;uniqueIndex:idx_relevance_results_application"`
	Score         float64        `gorm:"type:decimal(5,2);not null"`
	Reasons       datatypes.JSON `gorm:"type:json"`
	Summary       string         `gorm:"type:text"`
	Metadata      datatypes.JSON `gorm:"type:json"`
	CreatedAt     time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt     time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (RelevanceResult) TableName() string {
	return "relevance_results"
}

// NextApplicationStatus 雇主已做出的决定（rejected/hired）不会被自动流程覆盖
func NextApplicationStatus(current, desired string) string {
	switch current {
	case ApplicationStatusRejected, ApplicationStatusHired:
		return current
	}
	if desired == "" {
		return current
	}
	return desired
}

// ToJSON 序列化任意值为 datatypes.JSON，nil 返回 nil
func ToJSON(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// MustJSON 用于序列化结构确定不会失败的值
func MustJSON(v interface{}) datatypes.JSON {
	b, err := ToJSON(v)
	if err != nil {
		return nil
	}
	return b
}

// DecodeJSON 反序列化 datatypes.JSON，空值时保持 out 不变
func DecodeJSON(raw datatypes.JSON, out interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// StringsToJSON 字符串列表转 JSON
func StringsToJSON(items []string) datatypes.JSON {
	if items == nil {
		items = []string{}
	}
	return MustJSON(items)
}

// JSONToStrings JSON 转字符串列表，格式错误时返回 nil
func JSONToStrings(raw datatypes.JSON) []string {
	var out []string
	if err := DecodeJSON(raw, &out); err != nil {
		return nil
	}
	return out
}
