package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/tracing"
)

const (
	// DashScope 的 OpenAI 兼容接口
	defaultQwenAPIURL    = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	defaultQwenModelName = "qwen-turbo"
)

// QwenChatModel 通义千问聊天模型，走 OpenAI 兼容协议，只支持纯文本对话
type QwenChatModel struct {
	apiKey     string
	modelName  string
	apiURL     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewQwenChatModel 创建通义千问客户端
func NewQwenChatModel(apiKey, modelName, apiURL string, httpClient *http.Client) (*QwenChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("API 密钥不能为空")
	}
	if strings.TrimSpace(modelName) == "" {
		modelName = defaultQwenModelName
	}
	if strings.TrimSpace(apiURL) == "" {
		apiURL = defaultQwenAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	l := logger.With("qwen")
	l.Info().Str("api_url", apiURL).Str("model", modelName).Msg("使用阿里云通义千问客户端")

	return &QwenChatModel{
		apiKey:     apiKey,
		modelName:  modelName,
		apiURL:     apiURL,
		httpClient: httpClient,
		log:        l,
	}, nil
}

type qwenMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type qwenCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []qwenMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type qwenCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      qwenMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate 实现 eino 聊天模型接口
func (q *QwenChatModel) Generate(ctx context.Context, messages []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	payload := qwenCompletionRequest{
		Model:       q.modelName,
		Messages:    make([]qwenMessage, 0, len(messages)),
		Temperature: 0.2,
	}
	for _, m := range messages {
		if m == nil || m.Role == schema.Tool {
			continue
		}
		content := m.Content
		payload.Messages = append(payload.Messages, qwenMessage{Role: string(m.Role), Content: &content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+q.apiKey)
	req.Header.Set("Content-Type", "application/json")

	q.log.Debug().Str("model", q.modelName).Int("messages", len(payload.Messages)).Msg("发送请求")

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API 请求失败，状态 %s: %s", resp.Status, tracing.TruncateString(string(respBody), 300))
	}

	var parsed qwenCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("反序列化 API 响应失败: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API 返回错误 %s: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("从 API 收到空选项")
	}

	choice := parsed.Choices[0].Message
	content := ""
	if choice.Content != nil {
		content = *choice.Content
	}
	return schema.AssistantMessage(content, nil), nil
}

// Stream 不支持
func (q *QwenChatModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("QwenChatModel 不支持流式输出")
}

// WithTools 不支持工具调用
func (q *QwenChatModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return nil, errors.New("QwenChatModel 不支持工具调用")
}

var _ model.ToolCallingChatModel = (*QwenChatModel)(nil)
