package chat

import (
	"strings"
	"unicode/utf8"
)

var (
	positiveMarkers = []string{"да", "готов", "готова", "конечно", "согласен", "согласна", "yes", "sure", "ok", "интересно"}
	negativeMarkers = []string{"нет", "не готов", "не могу", "не хочу", "no", "never", "против"}
)

// answerHeuristics 粗略估计回答的倾向和信息量，不做真正的语义理解。
// sentiment 在 [-1,1]，confidence 在 [0,1] 且随回答长度增长。
func answerHeuristics(text string) (sentiment, confidence float64) {
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?' || r == '\n' || r == '\t'
	})
	joined := " " + strings.Join(words, " ") + " "

	score := 0
	for _, m := range negativeMarkers {
		if strings.Contains(joined, " "+m+" ") {
			score--
		}
	}
	// "не готов" 同时包含 "готов"，只在没有否定时计入肯定词
	if score == 0 {
		for _, m := range positiveMarkers {
			if strings.Contains(joined, " "+m+" ") {
				score++
			}
		}
	}
	sentiment = float64(score) * 0.5
	if sentiment > 1 {
		sentiment = 1
	} else if sentiment < -1 {
		sentiment = -1
	}

	n := utf8.RuneCountInString(strings.TrimSpace(text))
	confidence = float64(n) / 100
	if confidence > 1 {
		confidence = 1
	}
	return sentiment, confidence
}
