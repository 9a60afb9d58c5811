package token

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a token lifecycle event.
type EventKind string

const (
	EventTokenRefreshed EventKind = "token_refreshed"
	EventTokenExpired   EventKind = "token_expired"
	EventSessionWarning EventKind = "session_warning"
	EventRefreshFailed  EventKind = "refresh_failed"
)

// Event is a token lifecycle notification.
type Event struct {
	Kind EventKind
	At   time.Time

	// TimeRemaining is set on session_warning: time until expiry.
	TimeRemaining time.Duration

	// Err is set on refresh_failed.
	Err error
}

const subscriptionBuffer = 16

// Subscription is a live event feed. The handle owns its teardown: Close
// detaches it from the broker and closes C. Closing twice is safe.
type Subscription struct {
	C <-chan Event

	id     string
	broker *Broker
	once   sync.Once
}

// Close detaches the subscription. After Close returns no further events
// are delivered and C is closed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s.id)
	})
}

type subscriber struct {
	kinds map[EventKind]bool
	ch    chan Event
}

// Broker fans events out to subscriptions. Delivery is non-blocking: a
// subscriber that stops draining loses events rather than stalling the
// session manager.
type Broker struct {
	lock        sync.RWMutex
	subscribers map[string]*subscriber
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[string]*subscriber)}
}

// Subscribe opens a feed for the given kinds; no kinds means every kind.
func (b *Broker) Subscribe(kinds ...EventKind) *Subscription {
	kindSet := make(map[EventKind]bool, len(kinds))
	for _, kind := range kinds {
		kindSet[kind] = true
	}

	ch := make(chan Event, subscriptionBuffer)
	id := uuid.New().String()

	b.lock.Lock()
	b.subscribers[id] = &subscriber{kinds: kindSet, ch: ch}
	b.lock.Unlock()

	return &Subscription{C: ch, id: id, broker: b}
}

func (b *Broker) remove(id string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscription.
func (b *Broker) Publish(event Event) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	for _, sub := range b.subscribers {
		if len(sub.kinds) > 0 && !sub.kinds[event.Kind] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// CloseAll detaches every open subscription.
func (b *Broker) CloseAll() {
	b.lock.Lock()
	defer b.lock.Unlock()
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
