// Package pubsub 提供类型化的扇出广播：每个订阅者拥有独立的缓冲通道。
package pubsub

import (
	"context"
	"sync"
)

// Broker 将 T 类型的消息广播给所有当前订阅者。
// Publish 在订阅者缓冲满时阻塞（背压），不会静默丢弃消息。
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// Subscription 单个订阅。
type Subscription[T any] struct {
	ch     chan T
	done   chan struct{}
	once   sync.Once
	broker *Broker[T]
}

// NewBroker 创建 Broker。
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe 注册订阅者。订阅之前发布的消息不会补发。
func (b *Broker[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription[T]{
		ch:     make(chan T, buffer),
		done:   make(chan struct{}),
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish 把 v 投递给每个订阅者。
// 返回 ctx 的错误时，部分订阅者可能已经收到消息。
func (b *Broker[T]) Publish(ctx context.Context, v T) error {
	b.mu.RLock()
	targets := make([]*Subscription[T], 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- v:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Len 当前订阅者数量。
func (b *Broker[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 结束所有订阅，之后的 Subscribe 返回已结束的订阅。
func (b *Broker[T]) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.once.Do(func() { close(s.done) })
	}
}

// C 返回消息通道。通道本身不会被关闭，结束信号见 Done。
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Done 订阅结束时关闭。
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Close 取消订阅，可重复调用。
func (s *Subscription[T]) Close() {
	s.once.Do(func() { close(s.done) })

	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()
}
