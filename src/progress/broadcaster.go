// Package progress 按迁移 ID 向订阅者扇出进度事件
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBufferSize 每个订阅者的默认缓冲大小
	DefaultBufferSize = 64
	// DefaultKeepalive 空闲保活间隔
	DefaultKeepalive = 30 * time.Second
)

// Subscription 单个订阅者，持有一个有界 channel
type Subscription struct {
	id      string
	ch      chan Event
	closed  bool // 由 Broadcaster.mu 保护
	dropped atomic.Int64
}

// ID 返回订阅的迁移 ID
func (s *Subscription) ID() string {
	return s.id
}

// Events 返回事件 channel，订阅被关闭后 channel 关闭
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped 返回因缓冲已满而丢弃的旧事件数量
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Broadcaster 进度事件广播器
// 每个迁移 ID 对应一组订阅者，注册表由一把锁保护；事件不为迟到的订阅者缓存
type Broadcaster struct {
	mu         sync.Mutex
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
}

// NewBroadcaster 创建广播器，bufferSize <= 0 时使用默认值
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe 为迁移注册一个新的订阅者
func (b *Broadcaster) Subscribe(id string) *Subscription {
	sub := &Subscription{id: id, ch: make(chan Event, b.bufferSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[id]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[id] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe 移除订阅者，集合为空时删除该 ID 的注册项
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.id]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.id)
		}
	}
	b.closeLocked(sub)
}

// Broadcast 向迁移的所有订阅者发送事件，不阻塞
// 没有订阅者时为空操作；订阅者缓冲已满时丢弃最旧的事件
func (b *Broadcaster) Broadcast(id string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[id] {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// 发送都在锁内进行，取出一个旧事件后必然有空位
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close 关闭迁移的全部订阅，已缓冲的事件仍可被读取
func (b *Broadcaster) Close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[id] {
		b.closeLocked(sub)
	}
	delete(b.subs, id)
}

// CloseAll 关闭所有订阅
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, set := range b.subs {
		for sub := range set {
			b.closeLocked(sub)
		}
		delete(b.subs, id)
	}
}

func (b *Broadcaster) closeLocked(sub *Subscription) {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// SubscriberCount 返回迁移当前的订阅者数量
func (b *Broadcaster) SubscriberCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}
