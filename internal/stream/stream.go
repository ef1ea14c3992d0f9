package stream

import (
	"context"
	"sync"
	"time"

	"accesscore.org/internal/ids"
)

// Event types emitted by the core services.
const (
	TypeUserJoined    = "user_joined"
	TypeUserLeft      = "user_left"
	TypeRoleChanged   = "role_changed"
	TypeAuditRecorded = "audit_recorded"
	TypeNotification  = "notification"
)

// Event is one broadcast message. UserID names the origin user when the
// event was caused by a specific user's action; subscribers opting out of
// their own events are skipped for matching origins.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	Username  string         `json:"username,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type subscriber struct {
	ch          chan Event
	userID      string
	excludeSelf bool
	types       map[string]struct{}
}

func (s *subscriber) wants(evt Event) bool {
	if s.excludeSelf && evt.UserID != "" && evt.UserID == s.userID {
		return false
	}
	if len(s.types) > 0 {
		if _, ok := s.types[evt.Type]; !ok {
			return false
		}
	}
	return true
}

// Broker fan-outs events to all active subscribers (SSE/WebSocket clients).
type Broker struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// New initialises an empty broker.
func New() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscriber)

// AsUser tags the subscription with the subscriber's user id so SendToUser
// can target it.
func AsUser(userID string) SubscribeOption {
	return func(s *subscriber) { s.userID = userID }
}

// ExcludeSelf drops events whose origin is the subscription's own user.
func ExcludeSelf() SubscribeOption {
	return func(s *subscriber) { s.excludeSelf = true }
}

// OnlyTypes restricts delivery to the named event types.
func OnlyTypes(types ...string) SubscribeOption {
	return func(s *subscriber) {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Broker) Subscribe(ctx context.Context, opts ...SubscribeOption) <-chan Event {
	sub := &subscriber{ch: make(chan Event, 16)}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(sub.ch)
		b.mu.Unlock()
	}()

	return sub.ch
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish fan-outs the event to all subscribers whose filters accept it.
func (b *Broker) Publish(evt Event) {
	b.stamp(&evt)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// SendToUser delivers the event only to subscriptions tagged with userID
// and reports how many of them received it.
func (b *Broker) SendToUser(userID string, evt Event) int {
	b.stamp(&evt)
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.subs {
		if sub.userID != userID {
			continue
		}
		select {
		case sub.ch <- evt:
			delivered++
		default:
		}
	}
	return delivered
}

func (b *Broker) stamp(evt *Event) {
	if evt.ID == "" {
		evt.ID = ids.NewSortable()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
}
