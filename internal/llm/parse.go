package llm

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	numberingPrefix = regexp.MustCompile(`^\(?\d{1,2}[\.\)]\s*`)
	bulletPrefix    = regexp.MustCompile(`^[-*•–—]+\s*`)
)

type evaluationPayload struct {
	Score   json.RawMessage `json:"score"`
	Summary json.RawMessage `json:"summary"`
}

// parseEvaluation 把模型的自由文本解析为评估结果。
// 顺序：整体JSON -> 第一个括号配平的 {...} -> 修复引号后的 {...} -> 原文截断。
func parseEvaluation(raw string, summaryMaxLen int) Evaluation {
	cleaned := cleanResponse(raw)

	if eval, ok := decodeEvaluation(cleaned); ok {
		return eval
	}
	if candidate := extractJSONObject(cleaned); candidate != "" {
		if eval, ok := decodeEvaluation(candidate); ok {
			return eval
		}
		if eval, ok := decodeEvaluation(sanitizeJSON(candidate)); ok {
			return eval
		}
	}

	return Evaluation{
		Score:   0,
		Summary: truncateRunes(strings.TrimSpace(raw), summaryMaxLen),
		Source:  SourceRawText,
	}
}

func decodeEvaluation(text string) (Evaluation, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return Evaluation{}, false
	}
	var payload evaluationPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return Evaluation{}, false
	}
	// 没有可用分数的对象不算模型结论
	score, ok := coerceFloat(payload.Score)
	if !ok {
		return Evaluation{}, false
	}
	return Evaluation{
		Score:   clampScore(score),
		Summary: coerceString(payload.Summary),
		Source:  SourceModel,
	}, true
}

// parseQuestions 优先解析 JSON 数组（或 {"questions": [...]}），否则逐行提取带问号的句子。
func parseQuestions(raw string, limit int) []string {
	cleaned := cleanResponse(raw)

	questions := decodeQuestionList(cleaned)
	if questions == nil {
		if arr := extractJSONArray(cleaned); arr != "" {
			questions = decodeQuestionList(arr)
		}
	}
	if questions == nil {
		questions = questionsFromLines(cleaned)
	}

	out := make([]string, 0, len(questions))
	seen := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func decodeQuestionList(text string) []string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "[") {
		var list []string
		if err := json.Unmarshal([]byte(text), &list); err == nil {
			return list
		}
		return nil
	}
	if strings.HasPrefix(text, "{") {
		var wrapped struct {
			Questions []string `json:"questions"`
		}
		if err := json.Unmarshal([]byte(text), &wrapped); err == nil && wrapped.Questions != nil {
			return wrapped.Questions
		}
	}
	return nil
}

func questionsFromLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = bulletPrefix.ReplaceAllString(line, "")
		line = numberingPrefix.ReplaceAllString(line, "")
		line = strings.Trim(line, "\"' ")
		if line == "" {
			continue
		}
		if strings.ContainsAny(line, "?？") {
			out = append(out, line)
		}
	}
	return out
}

// cleanResponse 去掉 BOM 和 markdown 代码块包裹
func cleanResponse(text string) string {
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.Index(text, "\n"); idx >= 0 {
			// 去掉语言标记，例如 ```json
			first := strings.TrimSpace(text[:idx])
			if first == "" || !strings.ContainsAny(first, "{[") {
				text = text[idx+1:]
			}
		}
		if end := strings.LastIndex(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	return strings.TrimSpace(text)
}

// extractJSONObject 返回第一个括号配平的 {...} 子串
func extractJSONObject(text string) string {
	return extractBalanced(text, '{', '}')
}

func extractJSONArray(text string) string {
	return extractBalanced(text, '[', ']')
}

func extractBalanced(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start == -1 {
		return ""
	}
	level := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inStr:
			escaped = true
		case c == '"':
			inStr = !inStr
		case inStr:
		case c == open:
			level++
		case c == close:
			level--
			if level == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// sanitizeJSON 把字符串值内部未转义的双引号改为 \"。
// 判断依据：真正的字符串结束引号之后的第一个非空白字符必然是 : , ] }
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '"' && !escaped:
			if !inStr {
				inStr = true
				b.WriteByte(c)
				break
			}
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
				j++
			}
			if j >= len(src) || src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}' {
				inStr = false
				b.WriteByte(c)
			} else {
				b.WriteString(`\"`)
			}
		case c == '\\' && !escaped:
			escaped = true
			b.WriteByte(c)
			continue
		case c == '\n' && inStr:
			b.WriteString(`\n`)
		default:
			b.WriteByte(c)
		}
		escaped = false
	}
	return b.String()
}

func coerceFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func coerceString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func clampScore(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(v + 0.5)
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
