package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// EventType discriminates stream events on the wire between the transport
// session and its consumers.
type EventType string

const (
	EventTypeStart       EventType = "start"
	EventTypeToken       EventType = "token"
	EventTypeMetadata    EventType = "metadata"
	EventTypeStatus      EventType = "status"
	EventTypeCompleted   EventType = "completed"
	EventTypeInterrupted EventType = "interrupted"
	EventTypeFailed      EventType = "failed"
	EventTypeCancelled   EventType = "cancelled"
)

// Event is one typed occurrence on a streaming session. Exactly one terminal
// event (completed, interrupted, failed or cancelled) ends a session.
type Event interface {
	Type() EventType
	Session() string
}

// ChunkRef identifies a retrieved source chunk used to ground an answer.
type ChunkRef struct {
	URL             string  `json:"url"`
	Title           string  `json:"title"`
	ChunkID         int     `json:"chunk_id,omitempty"`
	SimilarityScore float64 `json:"similarity_score,omitempty"`
}

type EventStart struct {
	EventType EventType `json:"type"`
	SessionID string    `json:"session_id"`
}

type EventToken struct {
	EventType   EventType `json:"type"`
	SessionID   string    `json:"session_id"`
	Delta       string    `json:"delta"`
	Accumulated string    `json:"accumulated"`
}

type EventMetadata struct {
	EventType EventType  `json:"type"`
	SessionID string     `json:"session_id"`
	Chunks    []ChunkRef `json:"chunks"`
}

type EventStatus struct {
	EventType EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
}

type EventCompleted struct {
	EventType EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
}

type EventInterrupted struct {
	EventType EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Partial   string    `json:"partial"`
	Reason    string    `json:"reason,omitempty"`
}

type EventFailed struct {
	EventType EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
}

type EventCancelled struct {
	EventType EventType `json:"type"`
	SessionID string    `json:"session_id"`
}

func (e *EventStart) Type() EventType       { return EventTypeStart }
func (e *EventToken) Type() EventType       { return EventTypeToken }
func (e *EventMetadata) Type() EventType    { return EventTypeMetadata }
func (e *EventStatus) Type() EventType      { return EventTypeStatus }
func (e *EventCompleted) Type() EventType   { return EventTypeCompleted }
func (e *EventInterrupted) Type() EventType { return EventTypeInterrupted }
func (e *EventFailed) Type() EventType      { return EventTypeFailed }
func (e *EventCancelled) Type() EventType   { return EventTypeCancelled }

func (e *EventStart) Session() string       { return e.SessionID }
func (e *EventToken) Session() string       { return e.SessionID }
func (e *EventMetadata) Session() string    { return e.SessionID }
func (e *EventStatus) Session() string      { return e.SessionID }
func (e *EventCompleted) Session() string   { return e.SessionID }
func (e *EventInterrupted) Session() string { return e.SessionID }
func (e *EventFailed) Session() string      { return e.SessionID }
func (e *EventCancelled) Session() string   { return e.SessionID }

// IsTerminal reports whether e ends its session.
func IsTerminal(e Event) bool {
	switch e.Type() {
	case EventTypeCompleted, EventTypeInterrupted, EventTypeFailed, EventTypeCancelled:
		return true
	default:
		return false
	}
}

// MarshalEvent serializes an event with its type discriminator filled in.
func MarshalEvent(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case *EventStart:
		ev.EventType = EventTypeStart
	case *EventToken:
		ev.EventType = EventTypeToken
	case *EventMetadata:
		ev.EventType = EventTypeMetadata
	case *EventStatus:
		ev.EventType = EventTypeStatus
	case *EventCompleted:
		ev.EventType = EventTypeCompleted
	case *EventInterrupted:
		ev.EventType = EventTypeInterrupted
	case *EventFailed:
		ev.EventType = EventTypeFailed
	case *EventCancelled:
		ev.EventType = EventTypeCancelled
	default:
		return nil, errors.Errorf("unknown event %T", e)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}
	return b, nil
}

// NewEventFromJSON decodes a serialized event by its type discriminator.
func NewEventFromJSON(b []byte) (Event, error) {
	var probe struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, errors.Wrap(err, "decode event type")
	}

	var e Event
	switch probe.Type {
	case EventTypeStart:
		e = &EventStart{}
	case EventTypeToken:
		e = &EventToken{}
	case EventTypeMetadata:
		e = &EventMetadata{}
	case EventTypeStatus:
		e = &EventStatus{}
	case EventTypeCompleted:
		e = &EventCompleted{}
	case EventTypeInterrupted:
		e = &EventInterrupted{}
	case EventTypeFailed:
		e = &EventFailed{}
	case EventTypeCancelled:
		e = &EventCancelled{}
	default:
		return nil, errors.Errorf("unknown event type %q", probe.Type)
	}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, errors.Wrap(err, "decode event payload")
	}
	return e, nil
}

// TopicForSession computes the watermill topic carrying one session's events.
func TopicForSession(sessionID string) string { return "stream:" + sessionID }
