package worker

import (
	"context"
	"sync"
)

const subscriberBuffer = 256

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// broadcaster fans events out to every subscriber. Publish blocks until each
// live subscriber has room, so a slow reader applies backpressure instead of
// losing events.
type broadcaster struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*subscriber]struct{})}
}

func (b *broadcaster) subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			close(sub.done)
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}

	if ctx != nil {
		stop := context.AfterFunc(ctx, cancel)
		return sub.ch, func() {
			stop()
			cancel()
		}
	}
	return sub.ch, cancel
}

func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case <-sub.done:
			continue
		default:
		}
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
