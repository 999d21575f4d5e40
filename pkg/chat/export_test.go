package chat

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CognicAI/Become-AI/pkg/bus"
	"github.com/CognicAI/Become-AI/pkg/chaterr"
	"github.com/CognicAI/Become-AI/pkg/protocol"
)

func completeExchange(t *testing.T, f *fixture, question, answer string) {
	t.Helper()
	sess := f.send(t, question)
	f.tr.emit(&protocol.EventToken{SessionID: sess.ID(), Delta: answer})
	f.tr.emit(&protocol.EventCompleted{SessionID: sess.ID(), Text: answer})
	waitResult(t, sess)
}

func TestExportJSONRoundTripsThroughImport(t *testing.T) {
	f := newFixture(t)
	completeExchange(t, f, "first question", "first answer")
	completeExchange(t, f, "second question", "second answer")

	doc, err := f.mgr.Export(FormatJSON)
	require.NoError(t, err)

	f2 := newFixture(t)
	require.NoError(t, f2.mgr.Import(doc, false))

	doc2, err := f2.mgr.Export(FormatJSON)
	require.NoError(t, err)

	var a, b exportDocument
	require.NoError(t, json.Unmarshal(doc, &a))
	require.NoError(t, json.Unmarshal(doc2, &b))
	assert.Equal(t, a.Messages, b.Messages)
	assert.Equal(t, 1, a.Version)
}

func TestExportJSONEmptyLog(t *testing.T) {
	f := newFixture(t)
	doc, err := f.mgr.Export(FormatJSON)
	require.NoError(t, err)

	var parsed exportDocument
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.NotNil(t, parsed.Messages)
	assert.Empty(t, parsed.Messages)
}

func TestExportText(t *testing.T) {
	f := newFixture(t)
	completeExchange(t, f, "hello", "world")

	out, err := f.mgr.Export(FormatText)
	require.NoError(t, err)

	msgs := f.mgr.Messages()
	expected := fmt.Sprintf("[%s] user: hello\n[%s] assistant: world\n",
		msgs[0].Timestamp.Format("15:04"), msgs[1].Timestamp.Format("15:04"))
	assert.Equal(t, expected, string(out))
}

func TestExportUnknownFormat(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Export(ExportFormat("yaml"))
	assert.True(t, chaterr.IsValidation(err))
}

func TestImportMergeSkipsExistingIDs(t *testing.T) {
	f := newFixture(t)
	completeExchange(t, f, "kept", "reply")
	existing := f.mgr.Messages()
	require.Len(t, existing, 2)

	doc, err := json.Marshal(map[string]any{"messages": []Message{
		{ID: existing[0].ID, Role: RoleUser, Content: "overwritten?", Timestamp: time.Now()},
		{ID: "new-1", Role: RoleUser, Content: "brand new", Timestamp: time.Now()},
	}})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Import(doc, true))

	msgs := f.mgr.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "kept", msgs[0].Content)
	assert.Equal(t, "brand new", msgs[2].Content)
}

func TestImportReplaceDiscardsExistingLog(t *testing.T) {
	f := newFixture(t)
	completeExchange(t, f, "old", "old reply")

	doc, err := json.Marshal(map[string]any{"messages": []Message{
		{ID: "only", Role: RoleSystem, Content: "fresh start", Timestamp: time.Now()},
	}})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Import(doc, false))

	msgs := f.mgr.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh start", msgs[0].Content)
}

func TestImportReplaceCancelsActiveSession(t *testing.T) {
	f := newFixture(t)
	sess := f.send(t, "in flight")
	f.tr.emit(&protocol.EventToken{SessionID: sess.ID(), Delta: "partial"})
	require.Eventually(t, func() bool { return f.mgr.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	doc, err := json.Marshal(map[string]any{"messages": []Message{
		{ID: "imported", Role: RoleUser, Content: "fresh", Timestamp: time.Now()},
	}})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Import(doc, false))

	res := waitResult(t, sess)
	assert.Equal(t, SessionCancelled, res.Status)
	assert.True(t, f.tr.wasCancelled(sess.ID()))
	assert.Equal(t, StateIdle, f.mgr.State())

	// The detached session's remaining events do not resurrect its messages.
	msgs := f.mgr.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "imported", msgs[0].ID)
}

func TestImportNotifications(t *testing.T) {
	f := newFixture(t)
	var payloads []any
	f.bus.Subscribe(bus.TopicMessageUpdated, func(p any) { payloads = append(payloads, p) })

	replaceDoc := `{"messages":[{"id":"a","role":"user","content":"x","timestamp":"2026-01-01T00:00:00Z"}]}`
	require.NoError(t, f.mgr.Import([]byte(replaceDoc), false))
	require.Len(t, payloads, 1)
	assert.Equal(t, LogCleared{}, payloads[0])

	mergeDoc := `{"messages":[{"id":"a","role":"user","content":"x","timestamp":"2026-01-01T00:00:00Z"},{"id":"b","role":"user","content":"y","timestamp":"2026-01-01T00:00:00Z"}]}`
	require.NoError(t, f.mgr.Import([]byte(mergeDoc), true))
	require.Len(t, payloads, 2)
	assert.Equal(t, LogImported{Added: 1}, payloads[1])
}

func TestImportRejectsMalformedDocuments(t *testing.T) {
	f := newFixture(t)
	completeExchange(t, f, "q", "a")
	before := f.mgr.Messages()

	cases := map[string]string{
		"not json":          `{"messages":`,
		"no messages array": `{"exportedAt":"2026-01-01T00:00:00Z"}`,
		"missing id":        `{"messages":[{"id":"","role":"user","content":"x","timestamp":"2026-01-01T00:00:00Z"}]}`,
		"bad role":          `{"messages":[{"id":"a","role":"robot","content":"x","timestamp":"2026-01-01T00:00:00Z"}]}`,
		"duplicate ids":     `{"messages":[{"id":"a","role":"user","content":"x","timestamp":"2026-01-01T00:00:00Z"},{"id":"a","role":"user","content":"y","timestamp":"2026-01-01T00:00:00Z"}]}`,
		"zero timestamp":    `{"messages":[{"id":"a","role":"user","content":"x"}]}`,
	}
	for name, doc := range cases {
		err := f.mgr.Import([]byte(doc), false)
		assert.True(t, chaterr.IsImport(err), "case %q: got %v", name, err)
		assert.Equal(t, before, f.mgr.Messages(), "case %q mutated the log", name)
	}
}

func TestImportForcesStreamingOff(t *testing.T) {
	f := newFixture(t)
	doc := `{"messages":[{"id":"a","role":"assistant","content":"x","timestamp":"2026-01-01T00:00:00Z","isStreaming":true}]}`
	require.NoError(t, f.mgr.Import([]byte(doc), false))

	msgs := f.mgr.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsStreaming)
}
