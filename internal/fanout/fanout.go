// Package fanout sequences and broadcasts session events. One Broker per
// session assigns a dense, strictly increasing seq to every published
// event, retains a bounded ring for reconnect catch-up, and delivers to
// subscribers without ever blocking the publisher.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/oppihq/oppid/pkg/protocol"
)

// Options bound ring retention and subscriber buffering.
type Options struct {
	MaxEvents int // ring entry cap (default 4096)
	MaxBytes  int // ring serialized-bytes cap (default 10 MB)
	QueueSize int // per-subscriber live buffer before overflow drop (default 128)
}

func (o Options) withDefaults() Options {
	if o.MaxEvents <= 0 {
		o.MaxEvents = 4096
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 10 << 20
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 128
	}
	return o
}

// Broker is the per-session fan-out. All methods are safe for concurrent
// use; Publish never blocks.
type Broker struct {
	sessionID string
	opts      Options

	mu       sync.Mutex
	seq      uint64
	ring     []entry // FIFO; ring[0] is the oldest retained event
	ringSize int     // serialized bytes currently retained
	subs     map[*Subscriber]struct{}
	presence func(n int) // subscriber-count change callback, called without the lock
}

type entry struct {
	ev   protocol.SessionEvent
	size int
}

// Subscriber is one attached event consumer. Read C() until it closes,
// then check Overflowed.
type Subscriber struct {
	Level string
	c     chan protocol.SessionEvent

	mu         sync.Mutex
	closed     bool
	overflowed bool
}

// C is the live delivery channel. Closed on unsubscribe or overflow drop.
func (s *Subscriber) C() <-chan protocol.SessionEvent { return s.c }

// Overflowed reports whether the subscriber was dropped because its
// delivery buffer filled. Meaningful only after C() closes.
func (s *Subscriber) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}

func (s *Subscriber) close(overflow bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.overflowed = overflow
	s.mu.Unlock()
	close(s.c)
}

// New creates a broker for one session.
func New(sessionID string, opts Options) *Broker {
	return &Broker{
		sessionID: sessionID,
		opts:      opts.withDefaults(),
		subs:      make(map[*Subscriber]struct{}),
	}
}

// SetPresenceFunc registers a callback invoked with the subscriber count
// after every attach/detach/drop. Used by the permission gate's
// fail-closed timer.
func (b *Broker) SetPresenceFunc(fn func(n int)) {
	b.mu.Lock()
	b.presence = fn
	b.mu.Unlock()
}

// Publish assigns the next seq, buffers the event, and delivers it to all
// current subscribers. Slow subscribers are dropped, never waited on.
func (b *Broker) Publish(ev protocol.SessionEvent) uint64 {
	data, err := json.Marshal(ev)
	size := len(data)
	if err != nil {
		// Payloads are our own structs; a marshal failure is a bug but
		// must not break seq density. Account zero bytes and move on.
		slog.Error("fanout: event payload marshal failed", "session", b.sessionID, "type", ev.Type, "error", err)
		size = 0
	}

	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	ev.SessionID = b.sessionID

	b.ring = append(b.ring, entry{ev: ev, size: size})
	b.ringSize += size
	for len(b.ring) > b.opts.MaxEvents || (b.ringSize > b.opts.MaxBytes && len(b.ring) > 1) {
		b.ringSize -= b.ring[0].size
		b.ring = b.ring[1:]
	}

	var dropped []*Subscriber
	for sub := range b.subs {
		if !levelWants(sub.Level, ev.Type) {
			continue
		}
		select {
		case sub.c <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(b.subs, sub)
	}
	n := len(b.subs)
	presence := b.presence
	b.mu.Unlock()

	for _, sub := range dropped {
		slog.Warn("fanout: subscriber overflow, dropping", "session", b.sessionID, "seq", ev.Seq)
		sub.close(true)
	}
	if len(dropped) > 0 && presence != nil {
		presence(n)
	}
	return ev.Seq
}

// Subscribe attaches a consumer. The returned backlog holds every retained
// event with seq > sinceSeq, in order; live events continue on sub.C().
// Registration and backlog capture are atomic with respect to Publish, so
// backlog + channel reads never miss or duplicate a seq.
//
// truncated is true when sinceSeq predates the ring's oldest entry; the
// caller owes the client a catchup_truncated error event, and the backlog
// starts at the oldest retained event.
func (b *Broker) Subscribe(sinceSeq uint64, level string) (backlog []protocol.SessionEvent, sub *Subscriber, truncated bool) {
	if level == "" {
		level = protocol.LevelFull
	}
	sub = &Subscriber{
		Level: level,
		c:     make(chan protocol.SessionEvent, b.opts.QueueSize),
	}

	b.mu.Lock()
	// Truncated when the client's anchor is no longer provable: either it
	// claims a seq the ring has evicted, or it wants everything (sinceSeq
	// 0) and the ring no longer starts at seq 1.
	if len(b.ring) > 0 {
		oldest := b.ring[0].ev.Seq
		if (sinceSeq == 0 && oldest > 1) || (sinceSeq > 0 && sinceSeq < oldest) {
			truncated = true
		}
	}
	for _, e := range b.ring {
		if e.ev.Seq > sinceSeq && levelWants(level, e.ev.Type) {
			backlog = append(backlog, e.ev)
		}
	}
	b.subs[sub] = struct{}{}
	n := len(b.subs)
	presence := b.presence
	b.mu.Unlock()

	if presence != nil {
		presence(n)
	}
	return backlog, sub, truncated
}

// Unsubscribe detaches synchronously; no further events are delivered
// after it returns.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
	}
	n := len(b.subs)
	presence := b.presence
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.close(false)
	if presence != nil {
		presence(n)
	}
}

// CloseAll detaches every subscriber (session teardown).
func (b *Broker) CloseAll() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscriber]struct{})
	presence := b.presence
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close(false)
	}
	if len(subs) > 0 && presence != nil {
		presence(0)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CurrentSeq returns the last assigned seq (0 before any publish).
func (b *Broker) CurrentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// OldestSeq returns the seq of the oldest retained event (0 if empty).
func (b *Broker) OldestSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return 0
	}
	return b.ring[0].ev.Seq
}

// levelWants filters high-volume streaming events away from
// notification-level subscribers. Seq stays dense on the wire only for
// full subscribers; notification clients use it as a high-water mark.
func levelWants(level, eventType string) bool {
	if level != protocol.LevelNotifications {
		return true
	}
	switch eventType {
	case protocol.EventTextDelta, protocol.EventThinkingDelta, protocol.EventToolOutput:
		return false
	}
	return true
}
