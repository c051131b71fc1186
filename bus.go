package edgemesh

import "sync"

// DefaultRingCapacity is the bounded ring size when none is configured.
const DefaultRingCapacity = 2000

// DefaultSubscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind is disconnected rather than buffered further.
const DefaultSubscriberBuffer = 256

// EventHook is a synchronous bus plugin invoked on every emit, in emission
// order. Hooks must only do bounded work.
type EventHook func(Event)

// EventBus is the single in-process fan-out point for scheduler events.
// It maintains a bounded ring of recent events, per-type counters, and any
// number of live channel subscribers.
type EventBus struct {
	mu       sync.Mutex
	ring     []Event
	ringCap  int
	counters map[string]uint64
	hooks    []EventHook
	subs     map[int]chan Event
	nextSub  int
	subBuf   int
	log      Logger
}

// BusConfig configures an EventBus.
type BusConfig struct {
	// RingCapacity bounds the recent-event ring. Zero means DefaultRingCapacity.
	RingCapacity int
	// SubscriberBuffer is the channel depth per live subscriber. Zero means
	// DefaultSubscriberBuffer.
	SubscriberBuffer int
	// Logger reports dropped subscribers. Nil means silent.
	Logger Logger
}

// NewEventBus creates an EventBus.
func NewEventBus(cfg BusConfig) *EventBus {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = DefaultRingCapacity
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	lg := cfg.Logger
	if lg == nil {
		lg = NopLogger{}
	}
	return &EventBus{
		ring:     make([]Event, 0, cfg.RingCapacity),
		ringCap:  cfg.RingCapacity,
		counters: make(map[string]uint64),
		subs:     make(map[int]chan Event),
		subBuf:   cfg.SubscriberBuffer,
		log:      lg,
	}
}

// Emit delivers an event to the ring, the counters, every hook, and every
// live subscriber, in emission order. A subscriber whose buffer is full is
// disconnected; Emit never blocks on a slow consumer.
func (b *EventBus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) == b.ringCap {
		copy(b.ring, b.ring[1:])
		b.ring[len(b.ring)-1] = ev
	} else {
		b.ring = append(b.ring, ev)
	}
	b.counters[ev.Type]++

	for _, h := range b.hooks {
		h(ev)
	}

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, id)
			close(ch)
			b.log.Warnf("bus: dropping slow subscriber id=%d", id)
		}
	}
}

// Inc bumps a named counter outside the emit path (request-rate counters and
// the like).
func (b *EventBus) Inc(name string) {
	b.mu.Lock()
	b.counters[name]++
	b.mu.Unlock()
}

// Hook registers a synchronous plugin. Hooks cannot be removed; register them
// at wiring time.
func (b *EventBus) Hook(h EventHook) {
	b.mu.Lock()
	b.hooks = append(b.hooks, h)
	b.mu.Unlock()
}

// Subscribe registers a live subscriber and returns its id and channel.
// The channel is closed when the subscriber is dropped or unsubscribed.
func (b *EventBus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, b.subBuf)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a live subscriber and closes its channel. Unknown ids
// are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Recent returns up to n of the most recent events, oldest first. n <= 0
// returns the full ring.
func (b *EventBus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.ring) {
		n = len(b.ring)
	}
	out := make([]Event, n)
	copy(out, b.ring[len(b.ring)-n:])
	return out
}

// Counters returns a snapshot of every named counter.
func (b *EventBus) Counters() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64, len(b.counters))
	for k, v := range b.counters {
		out[k] = v
	}
	return out
}

// Subscribers returns the current live subscriber count.
func (b *EventBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
