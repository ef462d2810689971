package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const DefaultSubscriberBuffer = 32

type subscriber struct {
	identity string
	ch       chan Event
}

// Broker fans events out to in-process subscribers. A subscriber only sees
// events addressed to its identity. Delivery never blocks the publisher: a
// subscriber whose buffer is full misses the event and is expected to catch
// up by polling.
type Broker struct {
	log *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

func NewBroker(log *zap.Logger) *Broker {
	return &Broker{log: log, subs: make(map[int]subscriber)}
}

// Subscribe registers identity and returns its event channel together with
// a cancel func that unregisters it and closes the channel.
func (b *Broker) Subscribe(identity string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{identity: identity, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Broker) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !e.For(s.identity) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.log.Warn("dropping event for slow subscriber",
				zap.String("identity", s.identity),
				zap.String("topic", e.Topic),
				zap.String("request_id", e.RequestID))
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
