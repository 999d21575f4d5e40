package chat

import (
	"time"

	"github.com/CognicAI/Become-AI/pkg/protocol"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Kind distinguishes normal replies from system/error notices.
type Kind string

const (
	KindNormal Kind = "normal"
	KindError  Kind = "error"
)

// Metadata is the optional structured attachment of a message, set at most
// once per stream (a later attachment replaces the earlier one).
type Metadata struct {
	Chunks []protocol.ChunkRef `json:"chunks"`
}

// Message is one unit of conversation. IDs are generated client-side and are
// unique within a log; log order is arrival order and is never resorted.
// Assistant content grows monotonically while IsStreaming is true, mutated in
// place under the same id. Consumers re-read by id rather than holding copies.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	IsStreaming bool      `json:"isStreaming"`
	Metadata    *Metadata `json:"metadata,omitempty"`
	Kind        Kind      `json:"kind"`
}

func (m *Message) clone() Message {
	out := *m
	if m.Metadata != nil {
		md := Metadata{Chunks: append([]protocol.ChunkRef(nil), m.Metadata.Chunks...)}
		out.Metadata = &md
	}
	return out
}

// MessageDeleted is published on the message-updated topic when a message is
// removed from the log.
type MessageDeleted struct {
	ID string
}

// LogCleared is published on the message-updated topic when the log is
// emptied or replaced wholesale.
type LogCleared struct{}

// LogImported is published on the message-updated topic when imported
// messages are merged into the existing log.
type LogImported struct {
	Added int
}
