package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CognicAI/Become-AI/pkg/bus"
	"github.com/CognicAI/Become-AI/pkg/chaterr"
	"github.com/CognicAI/Become-AI/pkg/protocol"
)

const (
	// Scanner buffer sized for long answer tokens and large chunk payloads.
	maxFrameSize = 512 * 1024

	defaultQueryPath        = "/query/stream"
	defaultScrapePath       = "/scrape"
	defaultScrapeStatusPath = "/scrape/status"
	defaultHealthPath       = "/health"

	defaultHealthTimeout = 5 * time.Second
)

// Config configures a Client. BaseURL and Publisher are required; everything
// else has defaults matching the backend's routes.
type Config struct {
	BaseURL          string
	QueryPath        string
	ScrapePath       string
	ScrapeStatusPath string
	HealthPath       string

	// HealthTimeout bounds the health probe, 5s when unset.
	HealthTimeout time.Duration

	HTTPClient *http.Client
	Publisher  message.Publisher
	Bus        *bus.Bus
}

// Client talks to the RAG backend: one streaming query session at a time,
// plus single-shot scrape submission, status and health calls.
type Client struct {
	base             *url.URL
	queryPath        string
	scrapePath       string
	scrapeStatusPath string
	healthPath       string
	healthTimeout    time.Duration

	http *http.Client
	pub  message.Publisher
	bus  *bus.Bus

	mu      sync.Mutex
	current *Handle

	logger zerolog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base, err := parseAbsoluteHTTPURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Publisher == nil {
		return nil, chaterr.NewValidation("publisher", "is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Client{
		base:             base,
		queryPath:        pathOrDefault(cfg.QueryPath, defaultQueryPath),
		scrapePath:       pathOrDefault(cfg.ScrapePath, defaultScrapePath),
		scrapeStatusPath: pathOrDefault(cfg.ScrapeStatusPath, defaultScrapeStatusPath),
		healthPath:       pathOrDefault(cfg.HealthPath, defaultHealthPath),
		healthTimeout:    healthTimeout,
		http:             httpClient,
		pub:              cfg.Publisher,
		bus:              cfg.Bus,
		logger:           log.With().Str("component", "transport").Logger(),
	}, nil
}

func pathOrDefault(p, def string) string {
	if strings.TrimSpace(p) == "" {
		return def
	}
	return p
}

func parseAbsoluteHTTPURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, chaterr.NewValidation("url", "is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, chaterr.NewValidation("url", "does not parse")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, chaterr.NewValidation("url", "must be absolute http or https")
	}
	if u.Host == "" {
		return nil, chaterr.NewValidation("url", "has no host")
	}
	return u, nil
}

// QueryRequest is one streaming question against a scraped site.
type QueryRequest struct {
	SessionID    string
	Question     string
	SiteBaseURL  string
	LLMSource    string
	LLMModelName string
}

// OutcomeKind is how a session ended.
type OutcomeKind string

const (
	OutcomeCompleted   OutcomeKind = "completed"
	OutcomeInterrupted OutcomeKind = "interrupted"
	OutcomeFailed      OutcomeKind = "failed"
	OutcomeCancelled   OutcomeKind = "cancelled"
)

// Outcome is the terminal result of one streaming session. Text holds the
// full answer on completion and the partial answer on interruption.
type Outcome struct {
	Kind OutcomeKind
	Text string
	Err  error
}

// Handle is the caller-owned handle for one open streaming session.
type Handle struct {
	sessionID string

	cancel     context.CancelFunc
	cancelOnce sync.Once

	mu        sync.Mutex
	cancelled bool
	outcome   Outcome
	done      chan struct{}
}

// SessionID identifies the session; its events are published on
// protocol.TopicForSession(SessionID).
func (h *Handle) SessionID() string { return h.sessionID }

// Cancel closes the underlying connection. Safe to call repeatedly; calls
// after the first are no-ops.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		h.mu.Lock()
		h.cancelled = true
		h.mu.Unlock()
		h.cancel()
	})
}

// Wait blocks until the session reaches its terminal event or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.outcome, nil
	}
}

func (h *Handle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *Handle) finish(o Outcome) {
	h.mu.Lock()
	h.outcome = o
	h.mu.Unlock()
	close(h.done)
}

// OpenQuery validates req, discards any previously open session and starts
// streaming the answer. Events are published to the session topic; the
// returned handle resolves once with the terminal outcome.
func (c *Client) OpenQuery(ctx context.Context, req QueryRequest) (*Handle, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, chaterr.NewValidation("question", "is empty")
	}
	if _, err := parseAbsoluteHTTPURL(req.SiteBaseURL); err != nil {
		return nil, chaterr.NewValidation("site_base_url", "must be an absolute http or https URL")
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
		req.SessionID = sessionID
	}

	streamCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	// At most one open transport per client. The state machine has its own
	// single-in-flight guard; this one holds even when callers bypass it.
	c.mu.Lock()
	prev := c.current
	c.current = h
	c.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	go c.run(streamCtx, h, req)
	return h, nil
}

// CancelCurrent cancels the currently open session, if any.
func (c *Client) CancelCurrent() {
	c.mu.Lock()
	h := c.current
	c.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

func (c *Client) queryURL(req QueryRequest) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + c.queryPath
	q := u.Query()
	q.Set("question", req.Question)
	q.Set("site_base_url", req.SiteBaseURL)
	source := req.LLMSource
	if source == "" {
		source = "local"
	}
	q.Set("llm_source", source)
	if req.LLMModelName != "" {
		q.Set("llm_model_name", req.LLMModelName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// frame is one decoded data: payload from the stream.
type frame struct {
	Token  *string             `json:"token"`
	Chunks []protocol.ChunkRef `json:"chunks"`
	Status *string             `json:"status"`
	Error  *string             `json:"error"`
}

func (c *Client) run(ctx context.Context, h *Handle, req QueryRequest) {
	defer h.cancel()
	topic := protocol.TopicForSession(h.sessionID)
	logger := c.logger.With().Str("session_id", h.sessionID).Logger()

	var acc strings.Builder
	tokenSeen := false

	finish := func(o Outcome, ev protocol.Event) {
		c.publish(topic, ev)
		c.mu.Lock()
		if c.current == h {
			c.current = nil
		}
		c.mu.Unlock()
		h.finish(o)
	}

	fail := func(err error) {
		if h.wasCancelled() {
			cancelErr := &chaterr.CancelledError{}
			finish(Outcome{Kind: OutcomeCancelled, Text: acc.String(), Err: cancelErr},
				&protocol.EventCancelled{SessionID: h.sessionID})
			return
		}
		if tokenSeen {
			// A stream that degrades mid-answer keeps its partial text.
			logger.Warn().Err(err).Msg("stream interrupted after partial answer")
			finish(Outcome{Kind: OutcomeInterrupted, Text: acc.String(), Err: err},
				&protocol.EventInterrupted{SessionID: h.sessionID, Partial: acc.String(), Reason: err.Error()})
			return
		}
		logger.Warn().Err(err).Msg("stream failed before any token")
		finish(Outcome{Kind: OutcomeFailed, Err: err},
			&protocol.EventFailed{SessionID: h.sessionID, Reason: err.Error()})
	}

	reqURL := c.queryURL(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		fail(chaterr.WrapNetwork(err, reqURL))
		return
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		fail(chaterr.WrapNetwork(err, reqURL))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fail(&chaterr.APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))})
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			finish(Outcome{Kind: OutcomeCompleted, Text: acc.String()},
				&protocol.EventCompleted{SessionID: h.sessionID, Text: acc.String()})
			return
		}

		var f frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			logger.Warn().Err(err).Str("frame", truncateForLog(data)).Msg("skipping malformed frame")
			continue
		}

		if f.Error != nil {
			fail(&chaterr.APIError{Status: resp.StatusCode, Body: *f.Error})
			return
		}
		if f.Token != nil {
			if !tokenSeen {
				tokenSeen = true
				c.publish(topic, &protocol.EventStart{SessionID: h.sessionID})
			}
			acc.WriteString(*f.Token)
			c.publish(topic, &protocol.EventToken{
				SessionID:   h.sessionID,
				Delta:       *f.Token,
				Accumulated: acc.String(),
			})
		}
		if len(f.Chunks) > 0 {
			c.publish(topic, &protocol.EventMetadata{SessionID: h.sessionID, Chunks: f.Chunks})
		}
		if f.Status != nil {
			c.publish(topic, &protocol.EventStatus{SessionID: h.sessionID, Message: *f.Status})
		}
	}

	if err := scanner.Err(); err != nil {
		fail(chaterr.WrapNetwork(err, reqURL))
		return
	}
	// EOF without [DONE]: the server went away mid-answer.
	fail(chaterr.WrapNetwork(io.ErrUnexpectedEOF, reqURL))
}

func (c *Client) publish(topic string, e protocol.Event) {
	b, err := protocol.MarshalEvent(e)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to marshal stream event")
		return
	}
	if err := c.pub.Publish(topic, message.NewMessage(watermill.NewUUID(), b)); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish stream event")
	}
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
