package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

const defaultSubscriberBuffer = 256

// Bus fans lifecycle events out to in-process subscribers. Publish never
// blocks: a subscriber whose buffer is full loses the event, and the bus
// counts the drop. Scheduling must never wait on an observer.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool

	dropped atomic.Uint64
}

type subscription struct {
	ch    chan model.Event
	types map[model.EventType]struct{} // nil means all types
}

func (s *subscription) wants(typ model.EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger.Named("event-bus"),
		subs:   make(map[int]*subscription),
	}
}

// Subscribe registers a consumer for the given event types, or for all
// events when none are named. buffer <= 0 selects the default. The returned
// cancel func is idempotent and closes the channel.
func (b *Bus) Subscribe(buffer int, types ...model.EventType) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	sub := &subscription{ch: make(chan model.Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[model.EventType]struct{}, len(types))
		for _, typ := range types {
			sub.types[typ] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; !ok {
				return
			}
			delete(b.subs, id)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(event model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, dropping event",
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.ID))
		}
	}
}

// Dropped returns how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Calling it twice is safe; Publish
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.logger.Info("event bus closed", zap.Uint64("events_dropped", b.dropped.Load()))
}
