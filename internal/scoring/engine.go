// Package scoring 基于规则的预评分：比较职位要求与候选人资料，
// 产出扣分后的初始分数以及作为聊天话题的差异列表。
package scoring

import (
	"fmt"
	"strings"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

const (
	// MaxScore 满分
	MaxScore = 100.0
	// MinScore 规则引擎不会给出低于该值的分数
	MinScore = 50.0
	// UnitPenalty 单项扣分
	UnitPenalty = 5.0

	// 经验差距超过该年数才扣分
	experienceTolerance = 1.0
	// 经验扣分最多按该年数计算
	experiencePenaltyCapYears = 2.0
	// 期望薪资允许超出上限的比例
	salaryTolerance = 1.2
)

// 差异字段
const (
	FieldCity       = "city"
	FieldExperience = "experience"
	FieldEmployment = "employment_type"
	FieldSalary     = "salary"
)

// Discrepancy 职位要求与候选人属性之间的一处不一致
type Discrepancy struct {
	Field    string  `json:"field"`
	Expected string  `json:"expected,omitempty"`
	Actual   string  `json:"actual,omitempty"`
	Penalty  float64 `json:"penalty"`
	Message  string  `json:"message"`
}

// Score 计算预评分。差异按 city, experience, employment_type, salary 顺序返回。
func Score(vacancy *models.Vacancy, candidate *models.Candidate) ([]Discrepancy, float64) {
	discrepancies := make([]Discrepancy, 0, 4)
	score := MaxScore
	if vacancy == nil || candidate == nil {
		return discrepancies, score
	}

	if d, ok := cityDiscrepancy(vacancy, candidate); ok {
		discrepancies = append(discrepancies, d)
		score -= d.Penalty
	}
	if d, ok := experienceDiscrepancy(vacancy, candidate); ok {
		discrepancies = append(discrepancies, d)
		score -= d.Penalty
	}
	if d, ok := employmentDiscrepancy(vacancy, candidate); ok {
		discrepancies = append(discrepancies, d)
	}
	if d, ok := salaryDiscrepancy(vacancy, candidate); ok {
		discrepancies = append(discrepancies, d)
		score -= d.Penalty
	}

	if score < MinScore {
		score = MinScore
	}
	return discrepancies, score
}

// Messages 提取差异的可读描述，用于提示词和会话数据
func Messages(discrepancies []Discrepancy) []string {
	out := make([]string, 0, len(discrepancies))
	for _, d := range discrepancies {
		out = append(out, d.Message)
	}
	return out
}

func cityDiscrepancy(v *models.Vacancy, c *models.Candidate) (Discrepancy, bool) {
	vc, cc := strings.TrimSpace(v.City), strings.TrimSpace(c.City)
	if vc == "" || cc == "" || strings.EqualFold(vc, cc) {
		return Discrepancy{}, false
	}
	return Discrepancy{
		Field:    FieldCity,
		Expected: vc,
		Actual:   cc,
		Penalty:  UnitPenalty,
		Message:  fmt.Sprintf("Локация: вакансия в %s, кандидат в %s", vc, cc),
	}, true
}

func experienceDiscrepancy(v *models.Vacancy, c *models.Candidate) (Discrepancy, bool) {
	if v.ExperienceYears == nil || c.ExperienceYears == nil {
		return Discrepancy{}, false
	}
	required, actual := *v.ExperienceYears, *c.ExperienceYears
	gap := required - actual
	if gap <= experienceTolerance {
		return Discrepancy{}, false
	}
	capped := gap
	if capped > experiencePenaltyCapYears {
		capped = experiencePenaltyCapYears
	}
	return Discrepancy{
		Field:    FieldExperience,
		Expected: formatYears(required),
		Actual:   formatYears(actual),
		Penalty:  UnitPenalty * capped,
		Message:  fmt.Sprintf("Опыт: требуется %s лет, у кандидата %s лет", formatYears(required), formatYears(actual)),
	}, true
}

// 偏好 any 的候选人接受任何形式，不记差异
func employmentDiscrepancy(v *models.Vacancy, c *models.Candidate) (Discrepancy, bool) {
	vt := strings.ToLower(strings.TrimSpace(v.EmploymentType))
	ct := strings.ToLower(strings.TrimSpace(c.PreferredEmploymentType))
	if vt == "" || ct == "" || ct == models.EmploymentAny || vt == ct {
		return Discrepancy{}, false
	}
	return Discrepancy{
		Field:    FieldEmployment,
		Expected: vt,
		Actual:   ct,
		Message:  fmt.Sprintf("Формат работы: вакансия - %s, предпочтение кандидата - %s", vt, ct),
	}, true
}

func salaryDiscrepancy(v *models.Vacancy, c *models.Candidate) (Discrepancy, bool) {
	if v.SalaryTo == nil || c.ExpectedSalary == nil || *v.SalaryTo <= 0 {
		return Discrepancy{}, false
	}
	if float64(*c.ExpectedSalary) <= float64(*v.SalaryTo)*salaryTolerance {
		return Discrepancy{}, false
	}
	return Discrepancy{
		Field:    FieldSalary,
		Expected: fmt.Sprintf("%d", *v.SalaryTo),
		Actual:   fmt.Sprintf("%d", *c.ExpectedSalary),
		Penalty:  UnitPenalty,
		Message:  "Зарплатные ожидания выше предложения",
	}, true
}

func formatYears(years float64) string {
	return fmt.Sprintf("%g", years)
}
