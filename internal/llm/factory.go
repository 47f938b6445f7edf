package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/config"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
)

const (
	ProviderGemini = "gemini"
	ProviderQwen   = "qwen"
	ProviderNone   = "none"
)

// NewGeneratorFromConfig 按配置创建带限流的 Generator。
// 缺少密钥或 provider 为 none 时返回 nil，网关会对所有调用返回兜底值。
func NewGeneratorFromConfig(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))

	var base Generator
	switch provider {
	case ProviderGemini, "":
		if strings.TrimSpace(cfg.Gemini.APIKey) == "" {
			logger.Warn().Msg("未配置 Gemini API Key，模型评估将使用兜底结果")
			return nil, nil
		}
		gen, err := NewGeminiGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("model", gen.Model()).Msg("使用 Gemini 模型")
		base = gen
	case ProviderQwen:
		if strings.TrimSpace(cfg.Qwen.APIKey) == "" {
			logger.Warn().Msg("未配置通义千问 API Key，模型评估将使用兜底结果")
			return nil, nil
		}
		chatModel, err := NewQwenChatModel(cfg.Qwen.APIKey, cfg.Qwen.Model, cfg.Qwen.APIURL, nil)
		if err != nil {
			return nil, err
		}
		base = NewChatModelGenerator(chatModel)
	case ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	logger.Info().Str("provider", provider).Int("qpm", cfg.QPM).Msg("模型网关已初始化")
	return NewRateLimitedGenerator(base, cfg.QPM, cfg.MaxRetries, time.Second), nil
}

// NewGatewayFromConfig 组装网关
func NewGatewayFromConfig(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	gen, err := NewGeneratorFromConfig(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	return NewGateway(gen,
		WithTimeout(config.GetDuration(cfg.LLM.Timeout, defaultTimeout)),
		WithMaxQuestions(cfg.Screening.MaxQuestions),
		WithSummaryMaxLength(cfg.LLM.SummaryMaxLength),
	), nil
}
