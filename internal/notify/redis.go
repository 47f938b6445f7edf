package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/constants"
)

// RedisPublisher 把事件发布到 app:chat:events:{applicationID} 频道，供其他实例上的连接订阅
type RedisPublisher struct {
	client redis.UniversalClient
}

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish 实现 Publisher
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	channel := fmt.Sprintf(constants.KeyChatEventsChannel, ev.Topic)
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("发布到 %s 失败: %w", channel, err)
	}
	return nil
}

// Relay 订阅所有实例发布的事件并转交给本地 Hub，使长轮询在多实例下也能收到
func (p *RedisPublisher) Relay(ctx context.Context, hub *Hub) error {
	pattern := fmt.Sprintf(constants.KeyChatEventsChannel, "*")
	pubsub := p.client.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev struct {
				Topic   string          `json:"application_id"`
				Kind    Kind            `json:"type"`
				Payload json.RawMessage `json:"payload"`
				At      time.Time       `json:"at"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			_ = hub.Publish(ctx, Event{Topic: ev.Topic, Kind: ev.Kind, Payload: ev.Payload, At: ev.At})
		}
	}
}
