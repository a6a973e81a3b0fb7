package progress

import (
	"context"
	"time"
)

// Stream 订阅会话，空闲时产生保活事件，收到 complete / error 后结束
type Stream struct {
	b    *Broadcaster
	sub  *Subscription
	idle time.Duration
	done bool
}

// Stream 订阅迁移进度并返回会话，idle <= 0 时使用 30 秒
func (b *Broadcaster) Stream(id string, idle time.Duration) *Stream {
	if idle <= 0 {
		idle = DefaultKeepalive
	}
	return &Stream{b: b, sub: b.Subscribe(id), idle: idle}
}

// Next 返回下一个事件
// 超过空闲时间没有事件时返回保活事件；会话结束（终止事件已送达、订阅被关闭或 ctx 结束）时返回 false
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	if s.done {
		return Event{}, false
	}
	timer := time.NewTimer(s.idle)
	defer timer.Stop()

	select {
	case ev, ok := <-s.sub.Events():
		if !ok {
			s.done = true
			return Event{}, false
		}
		if ev.IsTerminal() {
			s.Close()
		}
		return ev, true
	case <-timer.C:
		return NewKeepalive(), true
	case <-ctx.Done():
		s.Close()
		return Event{}, false
	}
}

// Close 结束会话并注销订阅，可重复调用
func (s *Stream) Close() {
	if s.done {
		return
	}
	s.done = true
	s.b.Unsubscribe(s.sub)
}

// Subscription 返回底层订阅
func (s *Stream) Subscription() *Subscription {
	return s.sub
}
