package chat

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CognicAI/Become-AI/pkg/bus"
	"github.com/CognicAI/Become-AI/pkg/chaterr"
	"github.com/CognicAI/Become-AI/pkg/protocol"
	"github.com/CognicAI/Become-AI/pkg/store"
)

const defaultHistoryLimit = 100

// State of the message-in-flight lifecycle.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingFirstToken State = "awaiting-first-token"
	StateStreaming          State = "streaming"
)

// SessionStatus is how a session ended.
type SessionStatus string

const (
	SessionCompleted   SessionStatus = "completed"
	SessionInterrupted SessionStatus = "interrupted"
	SessionFailed      SessionStatus = "failed"
	SessionCancelled   SessionStatus = "cancelled"
)

// SessionResult is the terminal result of one send, available once the
// manager has processed the session's terminal event.
type SessionResult struct {
	Status             SessionStatus
	AssistantMessageID string
	Err                error
}

// LLMOptions selects the backend model for one question.
type LLMOptions struct {
	Source    string // "local" or "cloud"
	ModelName string // cloud model, optional
}

// QueryArgs is what the manager hands the transport when opening a session.
type QueryArgs struct {
	SessionID   string
	Question    string
	SiteBaseURL string
	LLM         LLMOptions
}

// CancelHandle cancels an open streaming session. Cancellation is idempotent.
type CancelHandle interface {
	Cancel()
}

// Transport opens one streaming session per question and publishes its
// protocol events on the session topic.
type Transport interface {
	Open(ctx context.Context, args QueryArgs) (CancelHandle, error)
}

// Session is one in-flight question/answer exchange. Created on send,
// destroyed on its terminal event, never reused.
type Session struct {
	id            string
	userMessageID string

	mu              sync.Mutex
	assistantID     string
	pendingMetadata *Metadata
	handle          CancelHandle
	cancelRequested bool
	result          SessionResult

	stop context.CancelFunc
	done chan struct{}
}

func (s *Session) ID() string { return s.id }

// Cancel requests teardown of the session's transport. The manager reaches
// Idle once the resulting terminal event is processed, not synchronously.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelRequested = true
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Wait blocks until the manager has processed the session's terminal event.
func (s *Session) Wait(ctx context.Context) (SessionResult, error) {
	select {
	case <-ctx.Done():
		return SessionResult{}, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, nil
	}
}

func (s *Session) setHandle(h CancelHandle) {
	s.mu.Lock()
	s.handle = h
	cancelled := s.cancelRequested
	s.mu.Unlock()
	if cancelled {
		h.Cancel()
	}
}

func (s *Session) setResult(r SessionResult) {
	s.mu.Lock()
	s.result = r
	s.mu.Unlock()
}

func (s *Session) assistant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistantID
}

// Config wires a Manager. Transport and Subscriber are required.
type Config struct {
	BaseCtx    context.Context
	Transport  Transport
	Subscriber message.Subscriber
	Store      store.Store
	Bus        *bus.Bus

	// ConversationKey is the storage key for the persisted log.
	ConversationKey string
	// HistoryLimit caps the persisted log; the in-memory log is not trimmed
	// until the next save.
	HistoryLimit int
}

// Manager owns the ordered message log and the active session reference,
// drives message creation and mutation from transport events, and persists
// snapshots. All mutation happens under its mutex; at most one session is
// active at a time.
type Manager struct {
	mu     sync.Mutex
	log    []*Message
	active *Session
	state  State

	baseCtx   context.Context
	transport Transport
	sub       message.Subscriber
	store     store.Store
	bus       *bus.Bus

	key          string
	historyLimit int

	logger zerolog.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("chat manager: transport is nil")
	}
	if cfg.Subscriber == nil {
		return nil, errors.New("chat manager: subscriber is nil")
	}
	baseCtx := cfg.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	key := strings.TrimSpace(cfg.ConversationKey)
	if key == "" {
		key = "default"
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Manager{
		state:        StateIdle,
		baseCtx:      baseCtx,
		transport:    cfg.Transport,
		sub:          cfg.Subscriber,
		store:        cfg.Store,
		bus:          cfg.Bus,
		key:          key,
		historyLimit: limit,
		logger:       log.With().Str("component", "chat").Str("conversation_key", key).Logger(),
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Messages returns a snapshot copy of the log in arrival order.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.log))
	for _, msg := range m.log {
		out = append(out, msg.clone())
	}
	return out
}

// Message returns the current value of one message by id.
func (m *Manager) Message(id string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg := m.findLocked(id); msg != nil {
		return msg.clone(), true
	}
	return Message{}, false
}

func (m *Manager) findLocked(id string) *Message {
	for _, msg := range m.log {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// SendMessage appends a user message and opens a streaming session for it.
// It fails with BusyError while a session is active and with ValidationError
// on bad input, in both cases without touching the log.
func (m *Manager) SendMessage(ctx context.Context, text, siteBaseURL string, opts LLMOptions) (*Session, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, chaterr.NewValidation("text", "is empty")
	}
	if err := validateSiteURL(siteBaseURL); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, &chaterr.BusyError{}
	}
	userMsg := &Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: time.Now(),
		Kind:      KindNormal,
	}
	m.log = append(m.log, userMsg)
	sess := &Session{
		id:            uuid.NewString(),
		userMessageID: userMsg.ID,
		done:          make(chan struct{}),
	}
	m.active = sess
	m.state = StateAwaitingFirstToken
	userCopy := userMsg.clone()
	m.mu.Unlock()

	subCtx, stop := context.WithCancel(m.baseCtx)
	sess.stop = stop

	rollback := func() {
		stop()
		m.mu.Lock()
		m.removeLocked(userMsg.ID)
		if m.active == sess {
			m.active = nil
			m.state = StateIdle
		}
		m.mu.Unlock()
	}

	msgs, err := m.sub.Subscribe(subCtx, protocol.TopicForSession(sess.id))
	if err != nil {
		rollback()
		return nil, errors.Wrap(err, "subscribe to session events")
	}
	handle, err := m.transport.Open(ctx, QueryArgs{
		SessionID:   sess.id,
		Question:    text,
		SiteBaseURL: siteBaseURL,
		LLM:         opts,
	})
	if err != nil {
		rollback()
		return nil, err
	}
	sess.setHandle(handle)

	m.persist()
	m.publish(bus.TopicMessageSent, userCopy)
	m.publish(bus.TopicTypingStart, sess.id)

	go m.consume(sess, msgs)
	return sess, nil
}

// Cancel aborts the active session, if any. No-op while Idle. The manager
// returns to Idle once the session's terminal event is processed.
func (m *Manager) Cancel() {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return
	}
	sess.Cancel()
}

// DeleteMessage removes a message by id. Returns false when the id is absent
// or names the actively streaming message.
func (m *Manager) DeleteMessage(id string) bool {
	m.mu.Lock()
	msg := m.findLocked(id)
	if msg == nil || msg.IsStreaming {
		m.mu.Unlock()
		return false
	}
	m.removeLocked(id)
	m.persistLocked()
	m.mu.Unlock()

	m.publish(bus.TopicMessageUpdated, MessageDeleted{ID: id})
	return true
}

func (m *Manager) removeLocked(id string) {
	for i, msg := range m.log {
		if msg.ID == id {
			m.log = append(m.log[:i], m.log[i+1:]...)
			return
		}
	}
}

// Clear empties the log, forces Idle and persists the empty log. Any active
// session is cancelled and its remaining events are discarded.
func (m *Manager) Clear() {
	m.mu.Lock()
	sess := m.active
	m.active = nil
	m.state = StateIdle
	m.log = nil
	m.persistLocked()
	m.mu.Unlock()

	if sess != nil {
		sess.Cancel()
	}
	m.publish(bus.TopicMessageUpdated, LogCleared{})
}

func (m *Manager) consume(sess *Session, msgs <-chan *message.Message) {
	defer close(sess.done)
	defer sess.stop()

	for msg := range msgs {
		e, err := protocol.NewEventFromJSON(msg.Payload)
		msg.Ack()
		if err != nil {
			m.logger.Warn().Err(err).Msg("failed to decode session event")
			continue
		}
		if e.Session() != sess.id {
			continue
		}
		if m.handleEvent(sess, e) {
			return
		}
	}

	// Subscriber shut down before a terminal event arrived.
	sess.setResult(SessionResult{Status: SessionCancelled, Err: &chaterr.CancelledError{}})
	m.mu.Lock()
	if m.active == sess {
		m.active = nil
		m.state = StateIdle
	}
	m.mu.Unlock()
}

// handleEvent applies one session event and reports whether it was terminal.
// Bus notifications are collected under the lock and delivered after release
// so that subscribers may call back into the manager.
func (m *Manager) handleEvent(sess *Session, e protocol.Event) bool {
	var notify []func()

	m.mu.Lock()
	active := m.active == sess
	if !active && protocol.IsTerminal(e) {
		// The session was detached by Clear; its log contributions are gone.
		m.mu.Unlock()
		sess.setResult(SessionResult{Status: SessionCancelled, Err: &chaterr.CancelledError{}})
		return true
	}

	terminal := false
	switch ev := e.(type) {
	case *protocol.EventStart:
		if active {
			m.ensureAssistantLocked(sess, &notify)
		}
	case *protocol.EventToken:
		if active {
			msg := m.ensureAssistantLocked(sess, &notify)
			msg.Content += ev.Delta
			updated := msg.clone()
			notify = append(notify, func() { m.publish(bus.TopicMessageUpdated, updated) })
		}
	case *protocol.EventMetadata:
		if active {
			md := &Metadata{Chunks: append([]protocol.ChunkRef(nil), ev.Chunks...)}
			sess.mu.Lock()
			assistantID := sess.assistantID
			if assistantID == "" {
				sess.pendingMetadata = md
			}
			sess.mu.Unlock()
			if assistantID != "" {
				if msg := m.findLocked(assistantID); msg != nil {
					msg.Metadata = md
					updated := msg.clone()
					notify = append(notify, func() { m.publish(bus.TopicMessageUpdated, updated) })
				}
			}
		}
	case *protocol.EventStatus:
		status := ev.Message
		notify = append(notify, func() {
			m.publish(bus.TopicConnectionStatus, bus.ConnectionStatus{Connected: true, Detail: status})
		})
	case *protocol.EventCompleted:
		terminal = true
		m.finalizeLocked(sess, SessionResult{Status: SessionCompleted}, "", &notify)
	case *protocol.EventInterrupted:
		// Success with a caveat: partial text is kept, no error notice is
		// appended to the log.
		terminal = true
		m.finalizeLocked(sess, SessionResult{Status: SessionInterrupted}, "", &notify)
	case *protocol.EventFailed:
		terminal = true
		m.finalizeLocked(sess, SessionResult{
			Status: SessionFailed,
			Err:    errors.New(ev.Reason),
		}, ev.Reason, &notify)
	case *protocol.EventCancelled:
		terminal = true
		m.finalizeLocked(sess, SessionResult{
			Status: SessionCancelled,
			Err:    &chaterr.CancelledError{},
		}, "", &notify)
	}
	m.mu.Unlock()

	for _, f := range notify {
		f()
	}
	return terminal
}

// ensureAssistantLocked returns the session's assistant message, creating it
// on the first token.
func (m *Manager) ensureAssistantLocked(sess *Session, notify *[]func()) *Message {
	sess.mu.Lock()
	assistantID := sess.assistantID
	pending := sess.pendingMetadata
	sess.pendingMetadata = nil
	sess.mu.Unlock()

	if assistantID != "" {
		if msg := m.findLocked(assistantID); msg != nil {
			return msg
		}
	}

	msg := &Message{
		ID:          uuid.NewString(),
		Role:        RoleAssistant,
		Timestamp:   time.Now(),
		IsStreaming: true,
		Metadata:    pending,
		Kind:        KindNormal,
	}
	m.log = append(m.log, msg)
	m.state = StateStreaming

	sess.mu.Lock()
	sess.assistantID = msg.ID
	sess.mu.Unlock()

	created := msg.clone()
	*notify = append(*notify, func() { m.publish(bus.TopicMessageSent, created) })
	return msg
}

func (m *Manager) finalizeLocked(sess *Session, result SessionResult, failReason string, notify *[]func()) {
	assistantID := sess.assistant()
	result.AssistantMessageID = assistantID

	if assistantID != "" {
		if msg := m.findLocked(assistantID); msg != nil && msg.IsStreaming {
			msg.IsStreaming = false
			updated := msg.clone()
			*notify = append(*notify, func() { m.publish(bus.TopicMessageUpdated, updated) })
		}
	}

	if failReason != "" {
		sysMsg := &Message{
			ID:        uuid.NewString(),
			Role:      RoleSystem,
			Content:   "Failed to get a response: " + failReason,
			Timestamp: time.Now(),
			Kind:      KindError,
		}
		m.log = append(m.log, sysMsg)
		created := sysMsg.clone()
		reason := failReason
		*notify = append(*notify,
			func() { m.publish(bus.TopicMessageSent, created) },
			func() { m.publish(bus.TopicError, bus.ErrorEvent{Source: "chat", Err: errors.New(reason)}) },
		)
	}

	if m.active == sess {
		m.active = nil
		m.state = StateIdle
	}
	m.persistLocked()
	sess.setResult(result)
	*notify = append(*notify, func() { m.publish(bus.TopicTypingStop, sess.id) })
}

func (m *Manager) publish(topic bus.Topic, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, payload)
}

func validateSiteURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return chaterr.NewValidation("site_base_url", "must be an absolute http or https URL")
	}
	return nil
}
