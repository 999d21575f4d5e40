package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/CognicAI/Become-AI/pkg/bus"
	"github.com/CognicAI/Become-AI/pkg/chat"
	"github.com/CognicAI/Become-AI/pkg/config"
	"github.com/CognicAI/Become-AI/pkg/store"
	"github.com/CognicAI/Become-AI/pkg/transport"
)

// app wires the full client: transport publishes session events into the
// in-process pub/sub, the chat manager consumes them, and the bus fans
// message lifecycle notifications out to whatever front end is attached.
type app struct {
	cfg    *config.Config
	pubsub *gochannel.GoChannel
	bus    *bus.Bus
	store  store.Store
	client *transport.Client
	mgr    *chat.Manager
}

// clientTransport adapts the HTTP client to the manager's transport port.
type clientTransport struct {
	client *transport.Client
}

func (t *clientTransport) Open(ctx context.Context, args chat.QueryArgs) (chat.CancelHandle, error) {
	return t.client.OpenQuery(ctx, transport.QueryRequest{
		SessionID:    args.SessionID,
		Question:     args.Question,
		SiteBaseURL:  args.SiteBaseURL,
		LLMSource:    args.LLM.Source,
		LLMModelName: args.LLM.ModelName,
	})
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NopLogger{})
	b := bus.New()

	client, err := transport.NewClient(transport.Config{
		BaseURL:          cfg.APIBaseURL,
		QueryPath:        cfg.QueryPath,
		ScrapePath:       cfg.ScrapePath,
		ScrapeStatusPath: cfg.ScrapeStatusPath,
		HealthPath:       cfg.HealthPath,
		HealthTimeout:    cfg.HealthTimeout,
		Publisher:        pubsub,
		Bus:              b,
	})
	if err != nil {
		return nil, err
	}

	var st store.Store
	if err := os.MkdirAll(filepath.Dir(cfg.StoragePath), 0o755); err != nil {
		log.Warn().Err(err).Str("path", cfg.StoragePath).
			Msg("could not create storage directory, conversation log will not persist")
	} else {
		dsn, err := store.SQLiteDSNForFile(cfg.StoragePath)
		if err == nil {
			st, err = store.NewSQLiteStore(dsn)
		}
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.StoragePath).
				Msg("could not open conversation store, conversation log will not persist")
			st = nil
		}
	}

	mgr, err := chat.NewManager(chat.Config{
		BaseCtx:         ctx,
		Transport:       &clientTransport{client: client},
		Subscriber:      pubsub,
		Store:           st,
		Bus:             b,
		ConversationKey: cfg.ConversationKey,
		HistoryLimit:    cfg.HistoryLimit,
	})
	if err != nil {
		return nil, err
	}
	if err := mgr.LoadPersisted(ctx); err != nil {
		log.Warn().Err(err).Msg("could not load persisted conversation, starting empty")
	}

	return &app{
		cfg:    cfg,
		pubsub: pubsub,
		bus:    b,
		store:  st,
		client: client,
		mgr:    mgr,
	}, nil
}

func (a *app) Close() error {
	var firstErr error
	if err := a.pubsub.Close(); err != nil {
		firstErr = err
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// withApp wires an app, runs fn and tears down afterwards.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("error during shutdown")
		}
	}()
	return fn(a)
}

func requireSite(cfg *config.Config) (string, error) {
	if cfg.SiteBaseURL == "" {
		return "", errors.New("no site configured, pass --site or set site_base_url in the config")
	}
	return cfg.SiteBaseURL, nil
}
