package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
)

const defaultBuffer = 1024

// Publisher 一个实时投递通道
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Notifier 事件先进入缓冲通道，由 Run 协程逐个扇出给所有 Publisher。
// Notify 永不阻塞调用方，缓冲满时丢弃并记录日志。
type Notifier struct {
	events     chan Event
	publishers []Publisher
	dropped    atomic.Int64
	log        zerolog.Logger
	once       sync.Once
}

// NewNotifier buffer<=0 时使用默认容量
func NewNotifier(buffer int, publishers ...Publisher) *Notifier {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Notifier{
		events:     make(chan Event, buffer),
		publishers: publishers,
		log:        logger.With("notifier"),
	}
}

// Notify 非阻塞入队，返回是否成功
func (n *Notifier) Notify(ev Event) bool {
	if n == nil {
		return false
	}
	select {
	case n.events <- ev:
		return true
	default:
		total := n.dropped.Add(1)
		n.log.Warn().
			Str("application_id", ev.Topic).
			Str("kind", string(ev.Kind)).
			Int64("dropped_total", total).
			Msg("通知缓冲已满，丢弃事件")
		return false
	}
}

// Dropped 累计丢弃的事件数
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Run 阻塞直到 ctx 结束；结束前把缓冲中剩余的事件尽量发完
func (n *Notifier) Run(ctx context.Context) {
	n.once.Do(func() {
		n.log.Info().Int("publishers", len(n.publishers)).Msg("通知分发已启动")
		for {
			select {
			case <-ctx.Done():
				n.drain()
				n.log.Info().Msg("通知分发已停止")
				return
			case ev := <-n.events:
				n.fanOut(ctx, ev)
			}
		}
	})
}

func (n *Notifier) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-n.events:
			n.fanOut(ctx, ev)
		default:
			return
		}
	}
}

func (n *Notifier) fanOut(ctx context.Context, ev Event) {
	for _, p := range n.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			n.log.Debug().Err(err).
				Str("application_id", ev.Topic).
				Str("kind", string(ev.Kind)).
				Msg("事件投递失败")
		}
	}
}
