package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
)

// ErrPoolBusy 通道缓冲已满
var ErrPoolBusy = errors.New("任务通道已满")

// ErrPoolClosed 池已停止
var ErrPoolClosed = errors.New("任务池已停止")

// Task 在某个通道上执行的任务
type Task func(ctx context.Context)

// KeyedPool 固定数量的执行通道，同一 key 总是落在同一通道上，保证同一申请的任务按提交顺序执行
type KeyedPool struct {
	lanes []chan Task
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
	log     zerolog.Logger
}

// NewKeyedPool lanes 为通道数，buffer 为每个通道的排队上限
func NewKeyedPool(lanes, buffer int) *KeyedPool {
	if lanes <= 0 {
		lanes = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	p := &KeyedPool{lanes: make([]chan Task, lanes), log: logger.With("keyed_pool")}
	for i := range p.lanes {
		p.lanes[i] = make(chan Task, buffer)
	}
	return p
}

// Start 为每个通道启动一个执行协程
func (p *KeyedPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i, lane := range p.lanes {
		p.wg.Add(1)
		go func(idx int, lane chan Task) {
			defer p.wg.Done()
			for task := range lane {
				p.run(ctx, idx, task)
			}
		}(i, lane)
	}
}

func (p *KeyedPool) run(ctx context.Context, lane int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Int("lane", lane).Msg("任务执行异常")
		}
	}()
	task(ctx)
}

// Submit 非阻塞提交，通道满时返回 ErrPoolBusy
func (p *KeyedPool) Submit(key string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.lanes[laneFor(key, len(p.lanes))] <- task:
		return nil
	default:
		return ErrPoolBusy
	}
}

// Stop 停止接收新任务，执行完已排队的任务后返回
func (p *KeyedPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, lane := range p.lanes {
		close(lane)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func laneFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
