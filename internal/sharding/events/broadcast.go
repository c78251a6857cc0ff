package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broadcaster fans events out to in-process subscribers, such as websocket
// clients, and remembers the last few for replay to late subscribers.
// A subscriber that falls behind loses events rather than blocking Publish.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan StatusEvent]struct{}
	buffer int
	closed bool

	recent []StatusEvent
	start  int
	count  int

	dropped atomic.Uint64
}

// NewBroadcaster keeps replay recent events and buffers up to buffer events
// per subscriber
func NewBroadcaster(replay, buffer int) *Broadcaster {
	if replay < 1 {
		replay = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   make(map[chan StatusEvent]struct{}),
		buffer: buffer,
		recent: make([]StatusEvent, replay),
	}
}

func (b *Broadcaster) remember(ev StatusEvent) {
	size := len(b.recent)
	idx := (b.start + b.count) % size
	if b.count == size {
		b.start = (b.start + 1) % size
		b.count--
	}
	b.recent[idx] = ev
	b.count++
}

func (b *Broadcaster) Publish(_ context.Context, ev StatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	b.remember(ev)
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Recent returns remembered events, oldest first
func (b *Broadcaster) Recent() []StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot()
}

func (b *Broadcaster) snapshot() []StatusEvent {
	out := make([]StatusEvent, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.recent[(b.start+i)%len(b.recent)])
	}
	return out
}

// Subscribe registers a subscriber. It returns the live channel, the events
// published before the call and a cancel func. The channel is closed on
// cancel or when the broadcaster closes.
func (b *Broadcaster) Subscribe() (<-chan StatusEvent, []StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StatusEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch, nil, func() {}
	}
	b.subs[ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, b.snapshot(), cancel
}

// Subscribers returns the number of live subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped counts events not delivered to slow subscribers
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
