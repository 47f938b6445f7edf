package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrMockExhausted 预设响应已用完
var ErrMockExhausted = errors.New("mock generator has run out of responses")

// MockResponse 一次预设的模型响应
type MockResponse struct {
	Content string
	Err     error
	// Panic 非空时调用直接 panic
	Panic any
}

// MockGenerator 按顺序返回预设响应的 Generator，记录收到的提示词。
// 顺序用完后重复最后一条；Repeat 为 false 时返回 ErrMockExhausted。
type MockGenerator struct {
	mu        sync.Mutex
	responses []MockResponse
	index     int
	prompts   []string

	Repeat bool
	// Block 非 nil 时每次调用先等待它关闭或 ctx 结束
	Block chan struct{}
}

// NewMockGenerator 顺序返回 responses，最后一条可重复
func NewMockGenerator(responses ...MockResponse) *MockGenerator {
	return &MockGenerator{responses: responses, Repeat: true}
}

// NewStaticMockGenerator 每次都返回同一段文本
func NewStaticMockGenerator(content string) *MockGenerator {
	return NewMockGenerator(MockResponse{Content: content})
}

// NewFailingMockGenerator 每次都返回 err
func NewFailingMockGenerator(err error) *MockGenerator {
	return NewMockGenerator(MockResponse{Err: err})
}

// GenerateContent 实现 Generator
func (m *MockGenerator) GenerateContent(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	var resp MockResponse
	switch {
	case m.index < len(m.responses):
		resp = m.responses[m.index]
		m.index++
	case m.Repeat && len(m.responses) > 0:
		resp = m.responses[len(m.responses)-1]
	default:
		m.mu.Unlock()
		return "", ErrMockExhausted
	}
	block := m.Block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if resp.Panic != nil {
		panic(resp.Panic)
	}
	return resp.Content, resp.Err
}

// Prompts 返回所有调用收到的提示词副本
func (m *MockGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// Calls 调用次数
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}
