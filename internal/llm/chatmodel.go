package llm

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// messageGenerator eino 聊天模型中网关需要的部分
type messageGenerator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// ChatModelGenerator 把 eino 聊天模型适配为 Generator：系统指令 + 单条用户消息
type ChatModelGenerator struct {
	model messageGenerator
	opts  []model.Option
}

// NewChatModelGenerator 包装任意 eino 聊天模型
func NewChatModelGenerator(m messageGenerator, opts ...model.Option) *ChatModelGenerator {
	return &ChatModelGenerator{model: m, opts: opts}
}

// GenerateContent 实现 Generator
func (c *ChatModelGenerator) GenerateContent(ctx context.Context, prompt string) (string, error) {
	if c == nil || c.model == nil {
		return "", ErrNoProvider
	}
	msgs := []*schema.Message{
		schema.SystemMessage(systemInstruction),
		schema.UserMessage(prompt),
	}
	resp, err := c.model.Generate(ctx, msgs, c.opts...)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("chat model returned nil message")
	}
	return resp.Content, nil
}
