package app

import (
	"context"
	"fmt"

	"github.com/dmelnik/ada/internal/brain"
	"github.com/dmelnik/ada/internal/chat"
	"github.com/dmelnik/ada/internal/config"
	"github.com/dmelnik/ada/internal/events"
	"github.com/dmelnik/ada/internal/httpapi"
	"github.com/dmelnik/ada/internal/jobs"
	"github.com/dmelnik/ada/internal/observability"
	"github.com/dmelnik/ada/internal/proposals"
	"github.com/dmelnik/ada/internal/session"
	"github.com/dmelnik/ada/internal/store"
	"github.com/dmelnik/ada/internal/stream"
)

// BuildResult holds the wired service graph. Nothing here is ambient or
// global; every registry is owned by this struct and injected downward.
type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Registry  *jobs.Registry
	Broadcast *events.Broadcaster
	Store     store.Store
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:    cfg.BrainMode,
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	registry := jobs.NewRegistry(cfg.JobTimeout)
	locks := session.NewLockManager(st, registry)

	policy := events.DropOldest
	if cfg.SubscriberPolicy == "drop_newest" {
		policy = events.DropNewest
	}
	bus := events.NewBroadcaster(cfg.SubscriberBuffer, policy)
	bus.SetDropObserver(func(string) { metrics.ObserveDrop() })

	chatSvc := chat.NewService(chat.Config{
		BrainTimeout:  cfg.BrainTimeout,
		HistoryWindow: cfg.HistoryWindow,
		TruncateLen:   cfg.MessageTruncateLen,
	}, st, locks, registry, bus, adapter, metrics)

	ctrl := proposals.NewController(proposals.Config{
		BrainTimeout:  cfg.BrainTimeout,
		HistoryWindow: cfg.HistoryWindow,
		TruncateLen:   cfg.MessageTruncateLen,
		DefaultCount:  cfg.SuggestionCount,
	}, st, locks, registry, bus, adapter, metrics)

	streamer := stream.NewAdapter(bus, cfg.HeartbeatInterval)

	api := httpapi.New(cfg, chatSvc, ctrl, registry, streamer, metrics)

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Registry:  registry,
		Broadcast: bus,
		Store:     st,
		Metrics:   metrics,
		Cleanup:   st.Close,
	}, nil
}
