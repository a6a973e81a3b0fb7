package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBroadcastWithoutSubscribersIsNoop(t *testing.T) {
	b := NewBroadcaster(4)
	b.Broadcast("m1", NewError("boom"))
	assert.Equal(t, 0, b.SubscriberCount("m1"))

	// 迟到的订阅者收不到之前的事件
	sub := b.Subscribe("m1")
	assert.Empty(t, drain(sub))
}

func TestFanOutPerID(t *testing.T) {
	b := NewBroadcaster(4)
	a1 := b.Subscribe("a")
	a2 := b.Subscribe("a")
	other := b.Subscribe("b")

	b.Broadcast("a", NewProgress("loading", Counts{Processed: 1, Succeeded: 1}, nil, ""))

	assert.Len(t, drain(a1), 1)
	assert.Len(t, drain(a2), 1)
	assert.Empty(t, drain(other))
	assert.Equal(t, 2, b.SubscriberCount("a"))
}

func TestUnsubscribeRemovesEmptyEntry(t *testing.T) {
	b := NewBroadcaster(4)
	s1 := b.Subscribe("m")
	s2 := b.Subscribe("m")
	b.Unsubscribe(s1)
	assert.Equal(t, 1, b.SubscriberCount("m"))
	b.Unsubscribe(s2)
	assert.Equal(t, 0, b.SubscriberCount("m"))
	b.mu.Lock()
	_, ok := b.subs["m"]
	b.mu.Unlock()
	assert.False(t, ok)

	_, open := <-s1.Events()
	assert.False(t, open)
	// 重复注销不会 panic
	b.Unsubscribe(s1)
}

func TestDropOldestWhenFull(t *testing.T) {
	b := NewBroadcaster(3)
	sub := b.Subscribe("m")
	for i := 0; i < 5; i++ {
		b.Broadcast("m", NewProgress("loading", Counts{Processed: int64(i)}, nil, fmt.Sprint(i)))
	}
	events := drain(sub)
	require.Len(t, events, 3)
	assert.Equal(t, "2", events[0].Message)
	assert.Equal(t, "4", events[2].Message)
	assert.Equal(t, int64(2), sub.Dropped())
}

func TestCloseEndsSubscriptionsKeepingBufferedEvents(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe("m")
	b.Broadcast("m", NewComplete(Counts{Processed: 2, Succeeded: 2}, 0))
	b.Close("m")
	assert.Equal(t, 0, b.SubscriberCount("m"))

	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, EventComplete, ev.Type)
	_, ok = <-sub.Events()
	assert.False(t, ok)

	// 关闭后广播与注销都是安全的
	b.Broadcast("m", NewError("late"))
	b.Unsubscribe(sub)
}

func TestConcurrentAccess(t *testing.T) {
	b := NewBroadcaster(8)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe("m")
			for j := 0; j < 10; j++ {
				drain(sub)
			}
			b.Unsubscribe(sub)
		}()
	}
	for i := 0; i < 200; i++ {
		b.Broadcast("m", NewProgress("extracting", Counts{}, nil, ""))
	}
	wg.Wait()
	b.CloseAll()
	assert.Equal(t, 0, b.SubscriberCount("m"))
}

func TestStreamKeepaliveAndTerminal(t *testing.T) {
	b := NewBroadcaster(4)
	s := b.Stream("m", 20*time.Millisecond)
	ctx := context.Background()

	ev, ok := s.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, EventKeepalive, ev.Type)

	b.Broadcast("m", NewProgress("loading", Counts{Processed: 1, Succeeded: 1}, nil, ""))
	b.Broadcast("m", NewError("auth failed"))

	ev, ok = s.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, EventProgress, ev.Type)

	ev, ok = s.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, EventError, ev.Type)
	assert.True(t, ev.IsTerminal())

	_, ok = s.Next(ctx)
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount("m"))
}

func TestStreamEndsOnCloseAndContext(t *testing.T) {
	b := NewBroadcaster(4)
	s := b.Stream("m", time.Minute)
	b.Close("m")
	_, ok := s.Next(context.Background())
	assert.False(t, ok)

	s = b.Stream("m", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = s.Next(ctx)
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount("m"))
	s.Close()
}
