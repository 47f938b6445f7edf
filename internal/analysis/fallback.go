package analysis

import (
	"fmt"
	"strings"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/scoring"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/models"
)

var genericQuestions = []string{
	"Расскажите, пожалуйста, о вашем наиболее релевантном опыте для этой вакансии?",
	"Какой формат работы и график вам подходят?",
	"Когда вы готовы приступить к работе?",
}

// FallbackQuestions 模型不可用时的问题：先针对城市和经验差异，再补充通用问题，最多 limit 个
func FallbackQuestions(discrepancies []scoring.Discrepancy, limit int) []string {
	if limit <= 0 {
		return nil
	}
	out := make([]string, 0, limit)
	for _, d := range discrepancies {
		switch d.Field {
		case scoring.FieldCity:
			out = append(out, fmt.Sprintf("Вакансия в %s. Вы готовы рассмотреть переезд/работу из другого города?", d.Expected))
		case scoring.FieldExperience:
			out = append(out, fmt.Sprintf("Требуется опыт от %s лет, у вас %s. Рассматриваете обучение/стажировку?", d.Expected, d.Actual))
		}
	}
	out = append(out, genericQuestions...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// VacancyText 把职位展开成提示词中使用的纯文本
func VacancyText(v *models.Vacancy) string {
	if v == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Должность: %s\n", v.Title)
	if v.Description != "" {
		fmt.Fprintf(&b, "Описание: %s\n", v.Description)
	}
	if v.City != "" {
		fmt.Fprintf(&b, "Город: %s\n", v.City)
	}
	if v.ExperienceYears != nil {
		fmt.Fprintf(&b, "Требуемый опыт: %g лет\n", *v.ExperienceYears)
	}
	if v.EmploymentType != "" {
		fmt.Fprintf(&b, "Формат работы: %s\n", v.EmploymentType)
	}
	switch {
	case v.SalaryFrom != nil && v.SalaryTo != nil:
		fmt.Fprintf(&b, "Зарплата: %d - %d\n", *v.SalaryFrom, *v.SalaryTo)
	case v.SalaryFrom != nil:
		fmt.Fprintf(&b, "Зарплата: от %d\n", *v.SalaryFrom)
	case v.SalaryTo != nil:
		fmt.Fprintf(&b, "Зарплата: до %d\n", *v.SalaryTo)
	}
	if skills := models.JSONToStrings(v.Skills); len(skills) > 0 {
		fmt.Fprintf(&b, "Навыки: %s\n", strings.Join(skills, ", "))
	}
	return strings.TrimSpace(b.String())
}
