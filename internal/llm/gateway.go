// Package llm 封装外部文本生成能力：匹配度评估、带聊天上下文的复评以及澄清问题生成。
// 网关的所有操作都不返回错误，任何失败都降级为结构化的兜底结果。
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/tracing"
)

// UnavailableSummary 模型不可用时的评估摘要
const UnavailableSummary = "LLM failed or not available"

const (
	defaultTimeout       = 60 * time.Second
	defaultMaxQuestions  = 3
	defaultSummaryMaxLen = 500
)

// ErrNoProvider 没有配置模型提供方
var ErrNoProvider = errors.New("llm provider is not configured")

var gatewayTracer = otel.Tracer("screening/llm")

// Generator 外部模型的唯一能力：输入提示词，返回原始文本
type Generator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
}

// Source 评估结果的来源
type Source string

const (
	// SourceModel 模型返回了可解析的结构化结果
	SourceModel Source = "model"
	// SourceRawText 模型有返回但无法解析
	SourceRawText Source = "raw_text"
	// SourceUnavailable 调用失败或未配置模型
	SourceUnavailable Source = "unavailable"
)

// Evaluation 匹配度评估
type Evaluation struct {
	Score   int    `json:"score"`
	Summary string `json:"summary"`
	Source  Source `json:"source"`
}

// Unavailable 是否为调用失败的兜底值
func (e Evaluation) Unavailable() bool {
	return e.Source == SourceUnavailable
}

// QA 聊天中的一问一答
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Gateway 模型网关
type Gateway struct {
	generator     Generator
	timeout       time.Duration
	maxQuestions  int
	summaryMaxLen int
	log           zerolog.Logger
}

// Option 网关配置项
type Option func(*Gateway)

// WithTimeout 单次模型调用超时
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithMaxQuestions 生成问题的数量上限
func WithMaxQuestions(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxQuestions = n
		}
	}
}

// WithSummaryMaxLength 原文兜底摘要的最大字符数
func WithSummaryMaxLength(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.summaryMaxLen = n
		}
	}
}

// NewGateway generator 可以为 nil，此时所有调用都返回兜底值
func NewGateway(generator Generator, opts ...Option) *Gateway {
	g := &Gateway{
		generator:     generator,
		timeout:       defaultTimeout,
		maxQuestions:  defaultMaxQuestions,
		summaryMaxLen: defaultSummaryMaxLen,
		log:           logger.With("llm_gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxQuestions 问题数量上限
func (g *Gateway) MaxQuestions() int {
	return g.maxQuestions
}

// EvaluateFit 根据职位和简历给出 0-100 的匹配度
func (g *Gateway) EvaluateFit(ctx context.Context, vacancyText, resumeText string) Evaluation {
	return g.evaluate(ctx, "EvaluateFit", buildEvaluationPrompt(vacancyText, resumeText))
}

// EvaluateWithChatContext 在评估提示中附加聊天问答记录
func (g *Gateway) EvaluateWithChatContext(ctx context.Context, vacancyText, resumeText string, pairs []QA) Evaluation {
	return g.evaluate(ctx, "EvaluateWithChatContext", buildChatContextPrompt(vacancyText, resumeText, pairs))
}

// GenerateQuestions 生成不超过上限的澄清问题，失败时返回空列表
func (g *Gateway) GenerateQuestions(ctx context.Context, vacancyText, resumeText string, discrepancies []string) []string {
	raw, err := g.generate(ctx, "GenerateQuestions", buildQuestionsPrompt(vacancyText, resumeText, discrepancies, g.maxQuestions))
	if err != nil {
		return []string{}
	}
	questions := parseQuestions(raw, g.maxQuestions)
	if len(questions) == 0 {
		g.log.Warn().Str("raw", truncateRunes(raw, 200)).Msg("模型返回中没有可用的问题")
	}
	return questions
}

func (g *Gateway) evaluate(ctx context.Context, op, prompt string) Evaluation {
	raw, err := g.generate(ctx, op, prompt)
	if err != nil {
		return Evaluation{Score: 0, Summary: UnavailableSummary, Source: SourceUnavailable}
	}
	eval := parseEvaluation(raw, g.summaryMaxLen)
	if eval.Source == SourceRawText {
		g.log.Warn().Str("op", op).Msg("模型返回无法解析为JSON，使用原文兜底")
	}
	return eval
}

// generate 调用模型并把 panic、超时、空响应统一转换为错误
func (g *Gateway) generate(ctx context.Context, op, prompt string) (raw string, err error) {
	ctx, span := gatewayTracer.Start(ctx, "llm."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("llm.prompt_length", len(prompt))))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("llm generator panic: %v", r)
		}
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeLLM)
			g.log.Warn().Err(err).Str("op", op).Msg("模型调用失败，使用兜底结果")
		}
	}()

	if g.generator == nil {
		return "", ErrNoProvider
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err = g.generator.GenerateContent(callCtx, prompt)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return "", errors.New("llm returned empty response")
	}
	span.SetAttributes(attribute.String("llm.response_preview", tracing.TruncateString(raw, 200)))
	return raw, nil
}
