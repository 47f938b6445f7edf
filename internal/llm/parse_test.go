package llm

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestParseEvaluation(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantScore   int
		wantSummary string
		wantSource  Source
	}{
		{
			name:        "纯JSON",
			raw:         `{"score": 78, "summary": "Хороший опыт"}`,
			wantScore:   78,
			wantSummary: "Хороший опыт",
			wantSource:  SourceModel,
		},
		{
			name:        "markdown代码块",
			raw:         "```json\n{\"score\": 64, \"summary\": \"ok\"}\n```",
			wantScore:   64,
			wantSummary: "ok",
			wantSource:  SourceModel,
		},
		{
			name:        "前后夹杂说明文字",
			raw:         `Результат: {"score": "85", "summary": "подходит"} спасибо`,
			wantScore:   85,
			wantSummary: "подходит",
			wantSource:  SourceModel,
		},
		{
			name:        "字符串内未转义引号",
			raw:         `{"score": 70, "summary": "He said "hi" to us"}`,
			wantScore:   70,
			wantSummary: `He said "hi" to us`,
			wantSource:  SourceModel,
		},
		{
			name:        "分数超出上限",
			raw:         `{"score": 150, "summary": "x"}`,
			wantScore:   100,
			wantSummary: "x",
			wantSource:  SourceModel,
		},
		{
			name:        "负分",
			raw:         `{"score": -5, "summary": "x"}`,
			wantScore:   0,
			wantSummary: "x",
			wantSource:  SourceModel,
		},
		{
			name:        "小数四舍五入",
			raw:         `{"score": 77.6, "summary": "x"}`,
			wantScore:   78,
			wantSummary: "x",
			wantSource:  SourceModel,
		},
		{
			name:        "BOM前缀",
			raw:         "\ufeff{\"score\": 50, \"summary\": \"bom\"}",
			wantScore:   50,
			wantSummary: "bom",
			wantSource:  SourceModel,
		},
		{
			name:        "缺少分数字段",
			raw:         `Оценка: {"summary": "кандидат подходит частично"}`,
			wantScore:   0,
			wantSummary: `Оценка: {"summary": "кандидат подходит частично"}`,
			wantSource:  SourceRawText,
		},
		{
			name:        "分数为null",
			raw:         `{"score": null, "summary": "x"}`,
			wantScore:   0,
			wantSummary: `{"score": null, "summary": "x"}`,
			wantSource:  SourceRawText,
		},
		{
			name:        "分数不是数字",
			raw:         `{"score": "высокая", "summary": "x"}`,
			wantScore:   0,
			wantSummary: `{"score": "высокая", "summary": "x"}`,
			wantSource:  SourceRawText,
		},
		{
			name:        "无法解析",
			raw:         "I think the candidate is 7/10",
			wantScore:   0,
			wantSummary: "I think the candidate is 7/10",
			wantSource:  SourceRawText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := parseEvaluation(tt.raw, 500)
			assert.Equal(t, tt.wantScore, eval.Score)
			assert.Equal(t, tt.wantSummary, eval.Summary)
			assert.Equal(t, tt.wantSource, eval.Source)
		})
	}
}

func TestParseEvaluation_RawTextTruncated(t *testing.T) {
	raw := strings.Repeat("я", 800)
	eval := parseEvaluation(raw, 500)

	assert.Equal(t, SourceRawText, eval.Source)
	assert.Equal(t, 0, eval.Score)
	assert.Equal(t, 500, utf8.RuneCountInString(eval.Summary))
}

func TestParseQuestions(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		limit int
		want  []string
	}{
		{
			name:  "JSON数组按上限截断",
			raw:   `["A?", "B?", "C?", "D?"]`,
			limit: 3,
			want:  []string{"A?", "B?", "C?"},
		},
		{
			name:  "包装对象",
			raw:   `{"questions": ["Где вы живёте?"]}`,
			limit: 3,
			want:  []string{"Где вы живёте?"},
		},
		{
			name:  "代码块中的数组",
			raw:   "```json\n[\"X?\", \"Y?\"]\n```",
			limit: 3,
			want:  []string{"X?", "Y?"},
		},
		{
			name:  "文字中嵌入数组",
			raw:   `Вот вопросы: ["X?", "Y?"] удачи`,
			limit: 3,
			want:  []string{"X?", "Y?"},
		},
		{
			name:  "编号行",
			raw:   "1. Where are you located?\n2) When can you start?\nSome closing note",
			limit: 3,
			want:  []string{"Where are you located?", "When can you start?"},
		},
		{
			name:  "项目符号与去重",
			raw:   "- Готовы к переезду?\n* Готовы к переезду?\n• Какой график удобен?",
			limit: 5,
			want:  []string{"Готовы к переезду?", "Какой график удобен?"},
		},
		{
			name:  "没有问题",
			raw:   "no questions here",
			limit: 3,
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseQuestions(tt.raw, tt.limit))
		})
	}
}

func TestSanitizeJSON(t *testing.T) {
	in := `{"summary": "line one
line "two""}`
	out := sanitizeJSON(in)
	assert.Equal(t, `{"summary": "line one\nline \"two\""}`, out)
}

func TestExtractBalanced_IgnoresBracesInStrings(t *testing.T) {
	text := `prefix {"summary": "a } b", "score": 1} suffix`
	assert.Equal(t, `{"summary": "a } b", "score": 1}`, extractJSONObject(text))
	assert.Equal(t, "", extractJSONArray("no array"))
}
