package llm

import (
	"fmt"
	"strings"
)

// systemInstruction 作为系统消息发送给聊天模型（Gemini 直接拼在提示词前）
const systemInstruction = "Ты — опытный HR-аналитик. Ты сравниваешь вакансию и резюме кандидата и отвечаешь строго в запрошенном формате."

const evaluationPromptTemplate = `Оцени, насколько кандидат подходит под вакансию.

Учитывай следующие факторы:
- опыт работы (стаж и его релевантность);
- навыки и технологии, требуемые вакансией;
- соответствие должности и предыдущих позиций;
- отраслевой опыт;
- образование;
- знание языков;
- локация и готовность к переезду или удалённой работе;
- мягкие навыки, которые можно косвенно оценить по резюме.

**Формат ответа:** только JSON-объект без пояснений и Markdown:
{"score": <целое число 0-100>, "summary": "<краткое обоснование, до 3 предложений>"}
Кавычки внутри строк экранируй как \".

Вакансия:
"""
%s
"""

Резюме кандидата:
"""
%s
"""`

const chatContextPromptTemplate = `Оцени, насколько кандидат подходит под вакансию, с учётом уточнений, которые кандидат дал в чате.

Правила:
- уточнения кандидата важнее формулировок резюме, оценивай их благосклонно;
- не снижай оценку за информацию, которая отсутствует, но правдоподобна;
- учитывай опыт, навыки, должность, отрасль, образование, языки, локацию и мягкие навыки.

**Формат ответа:** только JSON-объект без пояснений и Markdown:
{"score": <целое число 0-100>, "summary": "<краткое обоснование, до 3 предложений>"}

Вакансия:
"""
%s
"""

Резюме кандидата:
"""
%s
"""

Вопросы и ответы из чата:
%s`

const questionsPromptTemplate = `Сформулируй не более %d уточняющих вопросов кандидату на том же языке, на котором написано резюме.
Вопросы должны быть вежливыми, конкретными и помогать прояснить расхождения между вакансией и кандидатом:
локация и готовность к переезду, опыт, навыки, формат работы, зарплатные ожидания, дата выхода, готовность к обучению.

**Формат ответа:** только JSON-массив строк, например ["Вопрос 1?", "Вопрос 2?"].

Вакансия:
"""
%s
"""

Резюме кандидата:
"""
%s
"""

Выявленные расхождения:
%s`

func buildEvaluationPrompt(vacancyText, resumeText string) string {
	return fmt.Sprintf(evaluationPromptTemplate, vacancyText, resumeText)
}

func buildChatContextPrompt(vacancyText, resumeText string, pairs []QA) string {
	var sb strings.Builder
	for i, qa := range pairs {
		fmt.Fprintf(&sb, "%d. Вопрос: %s\n   Ответ: %s\n", i+1, qa.Question, qa.Answer)
	}
	if sb.Len() == 0 {
		sb.WriteString("(ответов нет)\n")
	}
	return fmt.Sprintf(chatContextPromptTemplate, vacancyText, resumeText, sb.String())
}

func buildQuestionsPrompt(vacancyText, resumeText string, discrepancies []string, limit int) string {
	var sb strings.Builder
	for _, d := range discrepancies {
		sb.WriteString("- ")
		sb.WriteString(d)
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		sb.WriteString("- явных расхождений нет, уточни недостающую информацию\n")
	}
	return fmt.Sprintf(questionsPromptTemplate, limit, vacancyText, resumeText, sb.String())
}
