package fanout

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oppihq/oppid/pkg/protocol"
)

func textEvent(s string) protocol.SessionEvent {
	return protocol.SessionEvent{Type: protocol.EventTextDelta, Payload: protocol.DeltaPayload{Text: s}}
}

func collect(sub *Subscriber, n int, timeout time.Duration) []protocol.SessionEvent {
	var out []protocol.SessionEvent
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublish_SeqDense(t *testing.T) {
	b := New("s1", Options{})
	for i := 1; i <= 100; i++ {
		seq := b.Publish(textEvent(fmt.Sprintf("e%d", i)))
		require.Equal(t, uint64(i), seq)
	}
	require.Equal(t, uint64(100), b.CurrentSeq())
}

func TestSubscribe_BacklogThenLive(t *testing.T) {
	b := New("s1", Options{})
	b.Publish(textEvent("a"))
	b.Publish(textEvent("b"))

	backlog, sub, truncated := b.Subscribe(0, protocol.LevelFull)
	defer b.Unsubscribe(sub)
	require.False(t, truncated)
	require.Len(t, backlog, 2)
	require.Equal(t, uint64(1), backlog[0].Seq)
	require.Equal(t, uint64(2), backlog[1].Seq)

	b.Publish(textEvent("c"))
	live := collect(sub, 1, time.Second)
	require.Len(t, live, 1)
	require.Equal(t, uint64(3), live[0].Seq)
}

func TestSubscribe_PartialCatchup(t *testing.T) {
	b := New("s1", Options{})
	for i := 0; i < 50; i++ {
		b.Publish(textEvent("x"))
	}
	backlog, sub, truncated := b.Subscribe(42, protocol.LevelFull)
	defer b.Unsubscribe(sub)
	require.False(t, truncated)
	require.Len(t, backlog, 8)
	require.Equal(t, uint64(43), backlog[0].Seq)
	require.Equal(t, uint64(50), backlog[7].Seq)
}

func TestRing_EvictionAndTruncation(t *testing.T) {
	b := New("s1", Options{MaxEvents: 8})
	for i := 0; i < 9; i++ { // capacity + 1
		b.Publish(textEvent("x"))
	}
	require.Equal(t, uint64(2), b.OldestSeq(), "oldest event evicted FIFO")

	// Anchor at the evicted seq: continuity unprovable.
	backlog, sub, truncated := b.Subscribe(1, protocol.LevelFull)
	b.Unsubscribe(sub)
	require.True(t, truncated)
	require.Len(t, backlog, 8)
	require.Equal(t, uint64(2), backlog[0].Seq)

	// Anchor at the oldest retained seq: fine.
	_, sub2, truncated2 := b.Subscribe(2, protocol.LevelFull)
	b.Unsubscribe(sub2)
	require.False(t, truncated2)

	// Fresh subscriber wanting everything: also truncated.
	_, sub3, truncated3 := b.Subscribe(0, protocol.LevelFull)
	b.Unsubscribe(sub3)
	require.True(t, truncated3)
}

func TestRing_ByteCapEviction(t *testing.T) {
	b := New("s1", Options{MaxEvents: 10000, MaxBytes: 600})
	for i := 0; i < 50; i++ {
		b.Publish(textEvent("0123456789"))
	}
	require.Greater(t, b.OldestSeq(), uint64(1), "byte cap should have evicted the head")
	require.Equal(t, uint64(50), b.CurrentSeq())
}

func TestOverflow_DropsOnlySlowSubscriber(t *testing.T) {
	b := New("s1", Options{QueueSize: 4})

	_, slow, _ := b.Subscribe(0, protocol.LevelFull)
	_, fast, _ := b.Subscribe(0, protocol.LevelFull)
	require.Equal(t, 2, b.SubscriberCount())

	// Drain fast after every publish; leave slow unread so its 4-slot
	// buffer fills and the 5th publish drops it.
	var gotFast []protocol.SessionEvent
	for i := 0; i < 5; i++ {
		b.Publish(textEvent("x"))
		gotFast = append(gotFast, <-fast.C())
	}
	require.Equal(t, 1, b.SubscriberCount())

	got := collect(slow, 10, time.Second)
	require.Len(t, got, 4, "buffered events still readable after drop")
	require.True(t, slow.Overflowed())

	// Fast subscriber unaffected.
	require.Len(t, gotFast, 5)
	require.False(t, fast.Overflowed())
	b.Unsubscribe(fast)
}

func TestUnsubscribe_Synchronous(t *testing.T) {
	b := New("s1", Options{})
	_, sub, _ := b.Subscribe(0, protocol.LevelFull)
	b.Unsubscribe(sub)
	b.Publish(textEvent("after"))

	got := collect(sub, 1, 100*time.Millisecond)
	require.Empty(t, got)
	require.False(t, sub.Overflowed())
}

func TestNotificationsLevel_FiltersDeltas(t *testing.T) {
	b := New("s1", Options{})
	_, sub, _ := b.Subscribe(0, protocol.LevelNotifications)
	defer b.Unsubscribe(sub)

	b.Publish(textEvent("skip me"))
	b.Publish(protocol.SessionEvent{Type: protocol.EventPermissionRequest})
	b.Publish(protocol.SessionEvent{Type: protocol.EventToolOutput, Payload: protocol.ToolOutputPayload{Output: "skip"}})
	b.Publish(protocol.SessionEvent{Type: protocol.EventState, Payload: protocol.StatePayload{Status: protocol.StatusReady}})

	got := collect(sub, 2, time.Second)
	require.Len(t, got, 2)
	require.Equal(t, protocol.EventPermissionRequest, got[0].Type)
	require.Equal(t, protocol.EventState, got[1].Type)
}

func TestPresenceCallback(t *testing.T) {
	b := New("s1", Options{})
	var mu sync.Mutex
	var counts []int
	b.SetPresenceFunc(func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})

	_, s1, _ := b.Subscribe(0, protocol.LevelFull)
	_, s2, _ := b.Subscribe(0, protocol.LevelFull)
	b.Unsubscribe(s1)
	b.Unsubscribe(s2)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 1, 0}, counts)
}

func TestConcurrentPublishSubscribe_NoMissNoDup(t *testing.T) {
	b := New("s1", Options{QueueSize: 4096, MaxEvents: 4096})

	const total = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Publish(textEvent("x"))
		}
	}()

	// Subscribe mid-stream; backlog + live must cover every seq after the
	// anchor exactly once, in order.
	time.Sleep(time.Millisecond)
	backlog, sub, truncated := b.Subscribe(0, protocol.LevelFull)
	require.False(t, truncated)
	<-done

	live := collect(sub, total-len(backlog), 2*time.Second)
	b.Unsubscribe(sub)

	all := append(backlog, live...)
	require.Len(t, all, total)
	for i, ev := range all {
		require.Equal(t, uint64(i+1), ev.Seq)
	}
}
