// Package events fans engine notifications out to any number of subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/metrics"
)

// Bus is an in-process publish/subscribe channel for engine events. Publish
// never blocks: every subscriber owns an unbounded mailbox drained by its own
// goroutine, so each subscriber sees every event in publish order however
// slowly it consumes.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger.With(slog.String("component", "event_bus")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscription is one listener's view of the bus. Events arrive on C until
// the subscription or the bus is closed, after which C is closed.
type Subscription struct {
	C <-chan domain.Event

	id    uint64
	bus   *Bus
	out   chan domain.Event
	mu    sync.Mutex
	queue []domain.Event
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
	kinds map[domain.EventKind]bool
}

// Subscribe registers a listener. When kinds is non-empty only those kinds
// are delivered.
func (b *Bus) Subscribe(kinds ...domain.EventKind) *Subscription {
	sub := &Subscription{
		out:  make(chan domain.Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	sub.C = sub.out
	if len(kinds) > 0 {
		sub.kinds = make(map[domain.EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	sub.bus = b
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Publish delivers ev to every current subscriber. A zero timestamp is filled
// in.
func (b *Bus) Publish(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.enqueue(ev)
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	b.logger.Debug("event published",
		slog.String("kind", string(ev.Kind)),
		slog.String("position_id", ev.PositionID),
		slog.Int("subscribers", len(b.subs)),
	)
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Close detaches the subscription from the bus. Undelivered events are
// discarded.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	}
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(ev domain.Event) {
	if s.kinds != nil && !s.kinds[ev.Kind] {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = domain.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
