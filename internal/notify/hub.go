package notify

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

// Hub 进程内的主题订阅，供长轮询接口使用
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// Subscription 一个订阅，C 关闭表示已取消
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	topic string
	hub   *Hub
	once  sync.Once
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe 订阅某个申请的事件，用完必须 Close
func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, topic: topic, hub: h}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if subs, ok := h.topics[s.topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.topics, s.topic)
			}
		}
		close(s.ch)
		h.mu.Unlock()
	})
}

// Publish 实现 Publisher；订阅方缓冲满时跳过该订阅方
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribers 某主题当前的订阅数
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
