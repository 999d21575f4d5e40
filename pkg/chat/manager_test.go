package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CognicAI/Become-AI/pkg/bus"
	"github.com/CognicAI/Become-AI/pkg/chaterr"
	"github.com/CognicAI/Become-AI/pkg/protocol"
	"github.com/CognicAI/Become-AI/pkg/store"
)

// manualTransport lets tests drive the stream event by event, the way the
// real client publishes them.
type manualTransport struct {
	pub message.Publisher

	mu        sync.Mutex
	opened    []QueryArgs
	cancelled map[string]bool
}

func newManualTransport(pub message.Publisher) *manualTransport {
	return &manualTransport{pub: pub, cancelled: map[string]bool{}}
}

type manualHandle struct {
	once sync.Once
	fn   func()
}

func (h *manualHandle) Cancel() { h.once.Do(h.fn) }

func (tr *manualTransport) Open(_ context.Context, args QueryArgs) (CancelHandle, error) {
	tr.mu.Lock()
	tr.opened = append(tr.opened, args)
	tr.mu.Unlock()
	sessionID := args.SessionID
	return &manualHandle{fn: func() {
		tr.mu.Lock()
		tr.cancelled[sessionID] = true
		tr.mu.Unlock()
		tr.emit(&protocol.EventCancelled{SessionID: sessionID})
	}}, nil
}

func (tr *manualTransport) emit(e protocol.Event) {
	b, err := protocol.MarshalEvent(e)
	if err != nil {
		panic(err)
	}
	if err := tr.pub.Publish(protocol.TopicForSession(e.Session()), message.NewMessage(watermill.NewUUID(), b)); err != nil {
		panic(err)
	}
}

func (tr *manualTransport) lastSession() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.opened[len(tr.opened)-1].SessionID
}

func (tr *manualTransport) wasCancelled(sessionID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.cancelled[sessionID]
}

type fixture struct {
	mgr   *Manager
	tr    *manualTransport
	bus   *bus.Bus
	store *store.InMemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Block each publish until the manager's consumer has acked it so the
	// fixture's emits are processed strictly in order; gochannel fans out
	// each message in its own goroutine, so unacked publishes can reorder.
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })

	tr := newManualTransport(ps)
	b := bus.New()
	st := store.NewInMemoryStore()
	mgr, err := NewManager(Config{
		Transport:  tr,
		Subscriber: ps,
		Store:      st,
		Bus:        b,
	})
	require.NoError(t, err)
	return &fixture{mgr: mgr, tr: tr, bus: b, store: st}
}

func (f *fixture) send(t *testing.T, text string) *Session {
	t.Helper()
	sess, err := f.mgr.SendMessage(context.Background(), text, "https://example.com", LLMOptions{})
	require.NoError(t, err)
	return sess
}

func waitResult(t *testing.T, sess *Session) SessionResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := sess.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestSendMessageCompletesWithAccumulatedText(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "What is this site about?")
	id := sess.ID()

	f.tr.emit(&protocol.EventStart{SessionID: id})
	f.tr.emit(&protocol.EventToken{SessionID: id, Delta: "Hel", Accumulated: "Hel"})
	f.tr.emit(&protocol.EventToken{SessionID: id, Delta: "lo", Accumulated: "Hello"})
	f.tr.emit(&protocol.EventCompleted{SessionID: id, Text: "Hello"})

	res := waitResult(t, sess)
	assert.Equal(t, SessionCompleted, res.Status)

	msgs := f.mgr.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "What is this site about?", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, res.AssistantMessageID, msgs[1].ID)
	assert.Equal(t, StateIdle, f.mgr.State())
}

func TestSendMessageWhileBusyFailsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "first")

	before := f.mgr.Messages()
	_, err := f.mgr.SendMessage(context.Background(), "second", "https://example.com", LLMOptions{})
	assert.True(t, chaterr.IsBusy(err))
	assert.Equal(t, before, f.mgr.Messages())

	f.tr.emit(&protocol.EventCompleted{SessionID: sess.ID()})
	waitResult(t, sess)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.SendMessage(context.Background(), "   ", "https://example.com", LLMOptions{})
	assert.True(t, chaterr.IsValidation(err))

	_, err = f.mgr.SendMessage(context.Background(), "q", "example.com", LLMOptions{})
	assert.True(t, chaterr.IsValidation(err))

	assert.Empty(t, f.mgr.Messages())
	assert.Equal(t, StateIdle, f.mgr.State())
}

func TestStateTransitions(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, StateIdle, f.mgr.State())

	sess := f.send(t, "q")
	assert.Equal(t, StateAwaitingFirstToken, f.mgr.State())

	f.tr.emit(&protocol.EventStart{SessionID: sess.ID()})
	f.tr.emit(&protocol.EventToken{SessionID: sess.ID(), Delta: "x"})
	require.Eventually(t, func() bool { return f.mgr.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	f.tr.emit(&protocol.EventCompleted{SessionID: sess.ID(), Text: "x"})
	waitResult(t, sess)
	assert.Equal(t, StateIdle, f.mgr.State())
}

func TestInterruptionKeepsPartialText(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "q")
	id := sess.ID()

	f.tr.emit(&protocol.EventStart{SessionID: id})
	f.tr.emit(&protocol.EventToken{SessionID: id, Delta: "Hi"})
	f.tr.emit(&protocol.EventInterrupted{SessionID: id, Partial: "Hi", Reason: "connection lost"})

	res := waitResult(t, sess)
	assert.Equal(t, SessionInterrupted, res.Status)

	msgs := f.mgr.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	// Soft success: no error notice is appended.
	for _, m := range msgs {
		assert.NotEqual(t, KindError, m.Kind)
	}
}

func TestFailureAppendsSystemNotice(t *testing.T) {
	f := newFixture(t)
	var busErrors []bus.ErrorEvent
	f.bus.Subscribe(bus.TopicError, func(p any) { busErrors = append(busErrors, p.(bus.ErrorEvent)) })

	sess := f.send(t, "q")
	f.tr.emit(&protocol.EventFailed{SessionID: sess.ID(), Reason: "status 500"})

	res := waitResult(t, sess)
	assert.Equal(t, SessionFailed, res.Status)

	msgs := f.mgr.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleSystem, msgs[1].Role)
	assert.Equal(t, KindError, msgs[1].Kind)
	assert.Contains(t, msgs[1].Content, "status 500")

	require.Len(t, busErrors, 1)
	assert.Equal(t, "chat", busErrors[0].Source)
}

func TestMetadataBeforeFirstTokenIsAttached(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "q")
	id := sess.ID()

	f.tr.emit(&protocol.EventMetadata{SessionID: id, Chunks: []protocol.ChunkRef{{URL: "https://example.com/a", Title: "A"}}})
	f.tr.emit(&protocol.EventStart{SessionID: id})
	f.tr.emit(&protocol.EventToken{SessionID: id, Delta: "x"})
	f.tr.emit(&protocol.EventCompleted{SessionID: id, Text: "x"})
	waitResult(t, sess)

	msgs := f.mgr.Messages()
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[1].Metadata)
	require.Len(t, msgs[1].Metadata.Chunks, 1)
	assert.Equal(t, "A", msgs[1].Metadata.Chunks[0].Title)
}

func TestMetadataReplacesPriorValue(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "q")
	id := sess.ID()

	f.tr.emit(&protocol.EventToken{SessionID: id, Delta: "x"})
	f.tr.emit(&protocol.EventMetadata{SessionID: id, Chunks: []protocol.ChunkRef{{URL: "https://example.com/a", Title: "A"}}})
	f.tr.emit(&protocol.EventMetadata{SessionID: id, Chunks: []protocol.ChunkRef{{URL: "https://example.com/b", Title: "B"}}})
	f.tr.emit(&protocol.EventCompleted{SessionID: id, Text: "x"})
	waitResult(t, sess)

	msgs := f.mgr.Messages()
	require.NotNil(t, msgs[1].Metadata)
	require.Len(t, msgs[1].Metadata.Chunks, 1)
	assert.Equal(t, "B", msgs[1].Metadata.Chunks[0].Title)
}

func TestCancelIsIdempotentAndFinalizesMessage(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "q")
	f.tr.emit(&protocol.EventToken{SessionID: sess.ID(), Delta: "partial"})

	f.mgr.Cancel()
	f.mgr.Cancel()

	res := waitResult(t, sess)
	assert.Equal(t, SessionCancelled, res.Status)
	assert.True(t, chaterr.IsCancelled(res.Err))

	msgs := f.mgr.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, StateIdle, f.mgr.State())

	// Cancel while Idle is a no-op.
	assert.NotPanics(t, f.mgr.Cancel)

	// The machine accepts a new message afterwards.
	next := f.send(t, "again")
	f.tr.emit(&protocol.EventCompleted{SessionID: next.ID()})
	waitResult(t, next)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "q")
	f.tr.emit(&protocol.EventCompleted{SessionID: sess.ID(), Text: ""})
	waitResult(t, sess)

	msgs := f.mgr.Messages()
	require.Len(t, msgs, 1)

	assert.False(t, f.mgr.DeleteMessage("missing"))
	require.Len(t, f.mgr.Messages(), 1)

	assert.True(t, f.mgr.DeleteMessage(msgs[0].ID))
	assert.Empty(t, f.mgr.Messages())
}

func TestDeleteMessageRefusesActiveStreamingMessage(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "q")
	id := sess.ID()
	f.tr.emit(&protocol.EventToken{SessionID: id, Delta: "x"})
	require.Eventually(t, func() bool { return f.mgr.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	msgs := f.mgr.Messages()
	require.Len(t, msgs, 2)
	assistantID := msgs[1].ID
	assert.False(t, f.mgr.DeleteMessage(assistantID))
	require.Len(t, f.mgr.Messages(), 2)

	f.tr.emit(&protocol.EventCompleted{SessionID: id, Text: "x"})
	waitResult(t, sess)
	assert.True(t, f.mgr.DeleteMessage(assistantID))
}

func TestClearEmptiesLogAndCancelsActiveSession(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "q")
	f.tr.emit(&protocol.EventToken{SessionID: sess.ID(), Delta: "x"})

	f.mgr.Clear()
	assert.Empty(t, f.mgr.Messages())
	assert.Equal(t, StateIdle, f.mgr.State())

	res := waitResult(t, sess)
	assert.Equal(t, SessionCancelled, res.Status)
	assert.True(t, f.tr.wasCancelled(sess.ID()))

	// Late events from the detached session no longer touch the log.
	assert.Empty(t, f.mgr.Messages())

	doc, ok, err := f.store.Load(context.Background(), "default")
	require.NoError(t, err)
	require.True(t, ok)
	var rec struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(doc, &rec))
	assert.Empty(t, rec.Messages)
}

func TestPersistedLogIsCappedAtHistoryLimit(t *testing.T) {
	f := newFixture(t)

	msgs := make([]Message, 0, 105)
	for i := 0; i < 105; i++ {
		msgs = append(msgs, Message{
			ID:        uuid.NewString(),
			Role:      RoleUser,
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: time.Now(),
			Kind:      KindNormal,
		})
	}
	doc, err := json.Marshal(map[string]any{"messages": msgs})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Import(doc, false))

	// The in-memory log keeps everything until the next save.
	assert.Len(t, f.mgr.Messages(), 105)

	saved, ok, err := f.store.Load(context.Background(), "default")
	require.NoError(t, err)
	require.True(t, ok)
	var rec struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(saved, &rec))
	require.Len(t, rec.Messages, 100)
	// Most recent entries survive, oldest five are dropped.
	assert.Equal(t, "message 5", rec.Messages[0].Content)
	assert.Equal(t, "message 104", rec.Messages[99].Content)
}

func TestStoreFailureDoesNotBreakSession(t *testing.T) {
	f := newFixture(t)
	f.store.FailSaves = true

	sess := f.send(t, "q")
	f.tr.emit(&protocol.EventToken{SessionID: sess.ID(), Delta: "Hi"})
	f.tr.emit(&protocol.EventCompleted{SessionID: sess.ID(), Text: "Hi"})

	res := waitResult(t, sess)
	assert.Equal(t, SessionCompleted, res.Status)
	require.Len(t, f.mgr.Messages(), 2)
	assert.Equal(t, "Hi", f.mgr.Messages()[1].Content)
}

func TestLoadPersistedHydratesLog(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "q")
	f.tr.emit(&protocol.EventToken{SessionID: sess.ID(), Delta: "Hi"})
	f.tr.emit(&protocol.EventCompleted{SessionID: sess.ID(), Text: "Hi"})
	waitResult(t, sess)

	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	mgr2, err := NewManager(Config{Transport: f.tr, Subscriber: ps, Store: f.store})
	require.NoError(t, err)
	require.NoError(t, mgr2.LoadPersisted(context.Background()))

	msgs := mgr2.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "q", msgs[0].Content)
	assert.Equal(t, "Hi", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
}

func TestLoadPersistedRejectsMalformedRecord(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(context.Background(), "default", []byte(`{"messages":`)))

	err := f.mgr.LoadPersisted(context.Background())
	assert.True(t, chaterr.IsImport(err))
	assert.Empty(t, f.mgr.Messages())
}

func TestBusReceivesLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var topics []bus.Topic
	record := func(topic bus.Topic) func(any) {
		return func(any) {
			mu.Lock()
			topics = append(topics, topic)
			mu.Unlock()
		}
	}
	f.bus.Subscribe(bus.TopicMessageSent, record(bus.TopicMessageSent))
	f.bus.Subscribe(bus.TopicMessageUpdated, record(bus.TopicMessageUpdated))
	f.bus.Subscribe(bus.TopicTypingStart, record(bus.TopicTypingStart))
	f.bus.Subscribe(bus.TopicTypingStop, record(bus.TopicTypingStop))

	sess := f.send(t, "q")
	f.tr.emit(&protocol.EventToken{SessionID: sess.ID(), Delta: "Hi"})
	f.tr.emit(&protocol.EventCompleted{SessionID: sess.ID(), Text: "Hi"})
	waitResult(t, sess)

	mu.Lock()
	defer mu.Unlock()
	// User message first, then typing starts, then the assistant message is
	// created on the first token, and typing stops on finalize.
	assert.Equal(t, bus.TopicMessageSent, topics[0])
	assert.Equal(t, bus.TopicTypingStart, topics[1])
	assert.Equal(t, bus.TopicMessageSent, topics[2])
	assert.Equal(t, bus.TopicTypingStop, topics[len(topics)-1])
}
