package events

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/bayleafwalker/bindery-kernel/internal/metrics"
)

// Sink receives every event published on a Bus, synchronously.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

type subscription struct {
	ch    chan Event
	kinds map[Kind]struct{}
}

// Bus fans events out to subscribers and sinks. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	log     logr.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	sinks  []Sink
}

func NewBus(logger logr.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		log:     logger.WithName("events"),
		metrics: m,
		now:     time.Now,
		subs:    map[int]*subscription{},
	}
}

// Subscribe returns a channel receiving events of the given kinds (all kinds when none
// are given) and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = map[Kind]struct{}{}
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			b.metrics.EventDropped()
			b.log.Info("subscriber buffer full, dropping event", "kind", ev.Kind, "name", ev.Name)
		}
	}
	for _, s := range b.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			b.log.Error(err, "event sink failed", "kind", ev.Kind, "name", ev.Name)
		}
	}
}
