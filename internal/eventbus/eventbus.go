// Package eventbus implements the Event Bus (C2): fan-out publish/subscribe
// over two channel scopes (global, job:<id>), with per-subscriber bounded
// buffers, coalesced progress events, non-droppable signal/status events,
// and a periodic ping.
//
// Grounded on the SSE writer idiom in
// other_examples/...Shannon.../streamer.go (flusher-based, heartbeat
// interval) and on the teacher's heartbeat.Service ticker/goroutine shape.
package eventbus

import (
	"sync"
	"time"

	"subtitler/pkg/models"
)

// PingInterval is the period of each subscriber's ping loop. A ping is
// published on the subscriber's channel every interval, whether or not
// other events flowed in the meantime.
const PingInterval = 10 * time.Second

// SubscriberBuffer is the bounded channel size per subscriber.
const SubscriberBuffer = 256

// InitialStateFunc synthesizes the initial_state payload for a channel
// from current in-memory state; "reconnect is full refetch" (spec.md §4.2).
type InitialStateFunc func(channel models.Channel) interface{}

// Bus is the process-wide event fan-out. It is an explicit, injected
// service (spec.md §9 — no hidden global state), constructed once by
// cmd/subtitlerd/main.go and passed by handle to every publisher.
//
// All subscriber map mutation and all delivery happen under mu. Delivery
// is always a non-blocking channel send, so holding mu for the whole
// operation cannot deadlock and gives every channel a total, per-bus
// delivery order (spec.md §5) instead of a race between publishers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[models.Channel]map[*Subscriber]struct{}
	nextID      uint64
	initial     InitialStateFunc

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Bus. initial supplies the initial_state snapshot for
// a newly-subscribed channel.
func New(initial InitialStateFunc) *Bus {
	return &Bus{
		subscribers: make(map[models.Channel]map[*Subscriber]struct{}),
		initial:     initial,
		stop:        make(chan struct{}),
	}
}

// Subscriber is a single client's bounded view of the bus. Disconnected
// subscribers must reconnect, which issues a fresh initial_state.
type Subscriber struct {
	bus     *Bus
	channel models.Channel
	events  chan models.Event
	closed  chan struct{}
	once    sync.Once
}

// Events returns the channel of events for this subscriber. The channel
// is never closed; the caller (an SSE handler) reads from it until Done
// fires or its own request ends.
func (s *Subscriber) Events() <-chan models.Event { return s.events }

// Done reports when the subscriber has been disconnected, either by the
// caller or by the bus (non-droppable overflow).
func (s *Subscriber) Done() <-chan struct{} { return s.closed }

// Close disconnects the subscriber and frees its slot on the bus.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.disconnectLocked(s)
}

// disconnectLocked removes sub from the subscriber map and closes its
// done channel. Caller must hold b.mu.
func (b *Bus) disconnectLocked(sub *Subscriber) {
	sub.once.Do(func() {
		close(sub.closed)
		if set, ok := b.subscribers[sub.channel]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subscribers, sub.channel)
			}
		}
	})
}

// Subscribe attaches a new subscriber to channel. The first event it
// ever observes is always initial_state, synthesized fresh — never
// replayed from history.
func (b *Bus) Subscribe(channel models.Channel) *Subscriber {
	sub := &Subscriber{
		bus:     b,
		channel: channel,
		events:  make(chan models.Event, SubscriberBuffer),
		closed:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[*Subscriber]struct{})
	}
	b.subscribers[channel][sub] = struct{}{}
	b.nextID++
	id := b.nextID

	var payload interface{}
	if b.initial != nil {
		payload = b.initial(channel)
	}
	sub.deliverLocked(models.Event{Channel: channel, Kind: models.KindInitialState, Payload: payload, MonotonicID: id})
	b.mu.Unlock()

	go b.pingLoop(sub)

	return sub
}

func (b *Bus) pingLoop(sub *Subscriber) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.closed:
			return
		case <-b.stop:
			return
		case <-ticker.C:
			b.Publish(models.Event{
				Channel: sub.channel,
				Kind:    models.KindPing,
				Payload: models.PingPayload{MonotonicMS: time.Now().UnixMilli()},
			})
		}
	}
}

// isDroppable reports whether kind may be coalesced/dropped under
// subscriber backpressure (spec.md §4.2: job_progress and ping may be
// dropped; signal and job_status must never be dropped).
func isDroppable(kind models.Kind) bool {
	return kind == models.KindJobProgress || kind == models.KindPing
}

// Publish delivers ev to every subscriber of ev.Channel. Publishers
// never block on slow subscribers (spec.md §5); a non-droppable event
// that cannot be enqueued disconnects the subscriber instead.
func (b *Bus) Publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ev.MonotonicID = b.nextID

	for s := range b.subscribers[ev.Channel] {
		s.deliverLocked(ev)
	}
}

// deliverLocked attempts to enqueue ev on sub's buffer, coalescing
// droppable kinds and disconnecting the subscriber when a non-droppable
// event cannot be enqueued. Caller must hold bus.mu.
func (s *Subscriber) deliverLocked(ev models.Event) {
	select {
	case s.events <- ev:
		return
	default:
	}

	if !isDroppable(ev.Kind) {
		// Buffer full and this event must not be dropped: disconnect so
		// the client reconnects and gets a fresh initial_state.
		s.bus.disconnectLocked(s)
		return
	}

	// Droppable and full: drop one stale droppable entry to make room,
	// coalescing e.g. repeated job_progress updates, then retry once.
	select {
	case old := <-s.events:
		if !isDroppable(old.Kind) {
			// The oldest buffered event must not be dropped, and putting
			// it back would queue it behind newer events: disconnect so
			// the client reconnects and gets a fresh initial_state.
			s.bus.disconnectLocked(s)
			return
		}
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Shutdown stops all ping loops and disconnects subscribers, used by the
// Shutdown Supervisor's drain.
func (b *Bus) Shutdown() {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subscribers {
		for s := range set {
			b.disconnectLocked(s)
		}
	}
}

// SubscriberCount reports how many subscribers currently watch channel.
func (b *Bus) SubscriberCount(channel models.Channel) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[channel])
}
