// Package notify 把聊天消息交给后台投递, 调用方永远不会被投递阻塞
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"go.uber.org/zap"
)

// Sink 消息的最终去向: WebSocket, 消息历史表或消息队列
type Sink[T any] interface {
	Deliver(ctx context.Context, msg T) error
}

type SinkFunc[T any] func(ctx context.Context, msg T) error

func (f SinkFunc[T]) Deliver(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

const (
	DefaultQueueSize      = 256
	DefaultDeliverTimeout = 5 * time.Second
)

// Dispatcher 有界队列 + 单个投递协程, 队列满时丢弃新消息
type Dispatcher[T any] struct {
	sink    Sink[T]
	timeout time.Duration
	queue   chan T

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped   atomic.Int64
	delivered atomic.Int64
	log       *zap.Logger
}

func NewDispatcher[T any](sink Sink[T], queueSize int, timeout time.Duration) *Dispatcher[T] {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultDeliverTimeout
	}
	d := &Dispatcher[T]{
		sink:    sink,
		timeout: timeout,
		queue:   make(chan T, queueSize),
		log:     logger.Named("notify"),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Notify 入队后立即返回; 队列已满或已关闭时返回 false
func (d *Dispatcher[T]) Notify(msg T) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- msg:
		return true
	default:
		d.dropped.Add(1)
		d.log.Warn("notify queue is full, message dropped", zap.String("message", describe(msg)))
		return false
	}
}

func (d *Dispatcher[T]) run() {
	defer d.wg.Done()
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Deliver(ctx, msg)
		cancel()
		if err != nil {
			d.log.Error("deliver message failed", zap.String("message", describe(msg)), zap.Error(err))
			continue
		}
		d.delivered.Add(1)
	}
}

// Close 停止接收新消息, 投递完队列中剩余的消息后返回
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher[T]) Dropped() int64   { return d.dropped.Load() }
func (d *Dispatcher[T]) Delivered() int64 { return d.delivered.Load() }

// describe 日志里只记录消息的摘要
func describe(msg any) string {
	if s, ok := msg.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", msg)
}
