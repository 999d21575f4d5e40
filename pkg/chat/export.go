package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CognicAI/Become-AI/pkg/bus"
	"github.com/CognicAI/Become-AI/pkg/chaterr"
)

const exportVersion = 1

// persistedRecord is the durable layout of a conversation log.
type persistedRecord struct {
	Messages  []Message `json:"messages"`
	LastSaved time.Time `json:"lastSaved"`
}

// exportDocument is the JSON transcript layout.
type exportDocument struct {
	Messages   []Message `json:"messages"`
	ExportedAt time.Time `json:"exportedAt"`
	Version    int       `json:"version"`
}

// ExportFormat selects a transcript serialization.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatText ExportFormat = "text"
)

// persist saves a snapshot of the log, capped to the history limit. Loss of
// durability is logged, never propagated: the in-memory session survives a
// broken store.
func (m *Manager) persist() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistLocked()
}

func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	msgs := m.log
	if len(msgs) > m.historyLimit {
		msgs = msgs[len(msgs)-m.historyLimit:]
	}
	rec := persistedRecord{
		Messages:  make([]Message, 0, len(msgs)),
		LastSaved: time.Now(),
	}
	for _, msg := range msgs {
		rec.Messages = append(rec.Messages, msg.clone())
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to serialize conversation log")
		return
	}
	if err := m.store.Save(context.Background(), m.key, doc); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist conversation log")
	}
}

// LoadPersisted hydrates the log from the store. Intended for startup; it
// replaces the in-memory log. A missing record leaves the log empty.
func (m *Manager) LoadPersisted(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	doc, ok, err := m.store.Load(ctx, m.key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var rec persistedRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return &chaterr.ImportError{Reason: "persisted record does not parse: " + err.Error()}
	}
	if err := validateMessages(rec.Messages); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = m.log[:0]
	for i := range rec.Messages {
		msg := rec.Messages[i]
		// A message can only be streaming while its session lives; none do
		// across a restart.
		msg.IsStreaming = false
		if msg.Kind == "" {
			msg.Kind = KindNormal
		}
		m.log = append(m.log, &msg)
	}
	return nil
}

// Export serializes the full in-memory log without mutating anything.
func (m *Manager) Export(format ExportFormat) ([]byte, error) {
	switch format {
	case FormatJSON:
		return m.exportJSON()
	case FormatText:
		return m.exportText(), nil
	default:
		return nil, chaterr.NewValidation("format", fmt.Sprintf("unknown export format %q", format))
	}
}

func (m *Manager) exportJSON() ([]byte, error) {
	doc := exportDocument{
		Messages:   m.Messages(),
		ExportedAt: time.Now(),
		Version:    exportVersion,
	}
	if doc.Messages == nil {
		doc.Messages = []Message{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (m *Manager) exportText() []byte {
	var b strings.Builder
	for _, msg := range m.Messages() {
		fmt.Fprintf(&b, "[%s] %s: %s\n", msg.Timestamp.Format("15:04"), msg.Role, msg.Content)
	}
	return []byte(b.String())
}

// Import replaces or extends the log from an exported JSON document. A
// malformed document fails with ImportError before any mutation; ids already
// present are skipped on merge so the uniqueness invariant holds. Replacing
// detaches and cancels any active session, the same way Clear does.
func (m *Manager) Import(doc []byte, merge bool) error {
	var parsed struct {
		Messages *[]Message `json:"messages"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return &chaterr.ImportError{Reason: "document does not parse: " + err.Error()}
	}
	if parsed.Messages == nil {
		return &chaterr.ImportError{Reason: "document has no messages array"}
	}
	incoming := *parsed.Messages
	if err := validateMessages(incoming); err != nil {
		return err
	}

	m.mu.Lock()
	var detached *Session
	if !merge {
		detached = m.active
		m.active = nil
		m.state = StateIdle
		m.log = nil
	}
	existing := make(map[string]bool, len(m.log))
	for _, msg := range m.log {
		existing[msg.ID] = true
	}
	added := 0
	for i := range incoming {
		msg := incoming[i]
		if existing[msg.ID] {
			continue
		}
		msg.IsStreaming = false
		if msg.Kind == "" {
			msg.Kind = KindNormal
		}
		m.log = append(m.log, &msg)
		existing[msg.ID] = true
		added++
	}
	m.persistLocked()
	m.mu.Unlock()

	if detached != nil {
		detached.Cancel()
	}
	if merge {
		m.publish(bus.TopicMessageUpdated, LogImported{Added: added})
	} else {
		m.publish(bus.TopicMessageUpdated, LogCleared{})
	}
	return nil
}

func validateMessages(msgs []Message) error {
	seen := make(map[string]bool, len(msgs))
	for i, msg := range msgs {
		if strings.TrimSpace(msg.ID) == "" {
			return &chaterr.ImportError{Reason: fmt.Sprintf("message %d has no id", i)}
		}
		if seen[msg.ID] {
			return &chaterr.ImportError{Reason: fmt.Sprintf("duplicate message id %s", msg.ID)}
		}
		seen[msg.ID] = true
		if !msg.Role.Valid() {
			return &chaterr.ImportError{Reason: fmt.Sprintf("message %s has invalid role %q", msg.ID, msg.Role)}
		}
		if msg.Timestamp.IsZero() {
			return &chaterr.ImportError{Reason: fmt.Sprintf("message %s has no timestamp", msg.ID)}
		}
	}
	return nil
}
