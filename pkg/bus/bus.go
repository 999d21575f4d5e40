package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Topic is a fixed presentation-facing channel tag.
type Topic string

const (
	TopicMessageSent      Topic = "message-sent"
	TopicMessageUpdated   Topic = "message-updated"
	TopicTypingStart      Topic = "typing-start"
	TopicTypingStop       Topic = "typing-stop"
	TopicConnectionStatus Topic = "connection-status"
	TopicError            Topic = "error"
)

// Handler receives a published payload. Handlers run synchronously on the
// publishing goroutine, in subscription order.
type Handler func(payload any)

type subscription struct {
	id string
	fn Handler
}

// Bus is a synchronous typed publish/subscribe channel decoupling transport,
// state and presentation. A panicking handler is recovered and logged; later
// handlers still run.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]subscription
}

func New() *Bus {
	return &Bus{subs: map[Topic][]subscription{}}
}

// Subscribe registers fn for topic and returns a subscription id for Unsubscribe.
func (b *Bus) Subscribe(topic Topic, fn Handler) string {
	if fn == nil {
		return ""
	}
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes the subscription with the given id from topic.
func (b *Bus) Unsubscribe(topic Topic, id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish delivers payload to every subscriber of topic, in subscription
// order, before returning.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(topic, s, payload)
	}
}

func deliver(topic Topic, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("component", "bus").
				Str("topic", string(topic)).
				Str("sub_id", s.id).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	s.fn(payload)
}

// ErrorEvent is published on TopicError when a background operation fails.
type ErrorEvent struct {
	Source string
	Err    error
}

// ConnectionStatus is published on TopicConnectionStatus.
type ConnectionStatus struct {
	Connected bool
	Detail    string
}
