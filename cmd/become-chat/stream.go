package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/CognicAI/Become-AI/pkg/bus"
	"github.com/CognicAI/Become-AI/pkg/chat"
)

// streamPrinter renders assistant messages to a terminal as they stream,
// printing only the suffix that arrived since the last update.
type streamPrinter struct {
	w io.Writer

	mu      sync.Mutex
	printed map[string]int
}

func newStreamPrinter(w io.Writer) *streamPrinter {
	return &streamPrinter{w: w, printed: map[string]int{}}
}

// attach subscribes the printer to message lifecycle topics and returns a
// detach function.
func (p *streamPrinter) attach(b *bus.Bus) func() {
	sentID := b.Subscribe(bus.TopicMessageSent, p.onMessage)
	updatedID := b.Subscribe(bus.TopicMessageUpdated, p.onMessage)
	return func() {
		b.Unsubscribe(bus.TopicMessageSent, sentID)
		b.Unsubscribe(bus.TopicMessageUpdated, updatedID)
	}
}

func (p *streamPrinter) onMessage(payload any) {
	msg, ok := payload.(chat.Message)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Role {
	case chat.RoleAssistant:
		n := p.printed[msg.ID]
		if len(msg.Content) > n {
			fmt.Fprint(p.w, msg.Content[n:])
			p.printed[msg.ID] = len(msg.Content)
		}
		if !msg.IsStreaming {
			if _, done := p.printed[msg.ID]; done {
				fmt.Fprintln(p.w)
			}
			delete(p.printed, msg.ID)
		}
	case chat.RoleSystem:
		if msg.Kind == chat.KindError {
			fmt.Fprintln(p.w, msg.Content)
		}
	}
}

// printSources lists the retrieval chunks attached to a message.
func printSources(w io.Writer, mgr *chat.Manager, messageID string) {
	msg, ok := mgr.Message(messageID)
	if !ok || msg.Metadata == nil || len(msg.Metadata.Chunks) == 0 {
		return
	}
	fmt.Fprintln(w, "Sources:")
	for _, chunk := range msg.Metadata.Chunks {
		if chunk.Title != "" {
			fmt.Fprintf(w, "  - %s (%s)\n", chunk.Title, chunk.URL)
		} else {
			fmt.Fprintf(w, "  - %s\n", chunk.URL)
		}
	}
}
