// Package app is the composition root: it wires the stores, provider
// client, classification chain, handlers, and queue into a running engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/castilho/inferoute/pkg/inferoute/engine"
	"github.com/castilho/inferoute/pkg/inferoute/media"
	"github.com/castilho/inferoute/pkg/inferoute/queue"
	"github.com/castilho/inferoute/pkg/inferoute/retrieval"
	"github.com/castilho/inferoute/pkg/inferoute/store"
)

// App holds every wired component of the engine.
type App struct {
	Config *engine.Config
	Logger *slog.Logger

	DB        *sql.DB
	Messages  *store.MessageStore
	Overrides *store.OverrideStore
	Catalog   *store.Catalog
	Prompts   *store.PromptStore
	Retrieval *retrieval.Store
	Media     *media.Store

	Provider     *engine.Client
	Bus          *engine.ProgressBus
	Orchestrator *engine.Orchestrator
	Reprocessor  *engine.Reprocessor
	Queue        *queue.Queue
}

// New wires the full engine from config.
func New(cfg *engine.Config, logger *slog.Logger) (*App, error) {
	db, err := store.OpenDatabase(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	messages := store.NewMessageStore(db, logger)
	overrides := store.NewOverrideStore(db)
	catalog := store.NewCatalog(db, logger)
	prompts := store.NewPromptStore(db, logger)

	if err := seedCatalog(catalog, cfg); err != nil {
		db.Close()
		return nil, err
	}

	retrievalStore, err := retrieval.NewStore(db, retrieval.NewHashEmbedder(0), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	mediaStore, err := media.NewStore(cfg.Media, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	provider := engine.NewClient(cfg.API, logger)
	bus := engine.NewProgressBus()

	sorter := engine.NewSorter(provider, prompts, catalog, logger)
	classifier := engine.NewClassifier(overrides, sorter, logger)

	router := engine.NewRouter(logger)
	router.Register(engine.IntentChat,
		engine.NewChatHandler(provider, catalog, prompts, retrievalStore, cfg.Retrieval, logger))
	router.Register(engine.IntentMediaGeneration,
		engine.NewMediaHandler(provider, catalog, mediaStore, logger))

	orchestrator := engine.NewOrchestrator(messages, classifier, router, bus, nil, nil, cfg.History.MaxTurns, logger)
	reprocessor := engine.NewReprocessor(messages, overrides, catalog, prompts, provider, logger)

	return &App{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		Messages:     messages,
		Overrides:    overrides,
		Catalog:      catalog,
		Prompts:      prompts,
		Retrieval:    retrievalStore,
		Media:        mediaStore,
		Provider:     provider,
		Bus:          bus,
		Orchestrator: orchestrator,
		Reprocessor:  reprocessor,
		Queue:        queue.New(db, logger),
	}, nil
}

// Close releases held resources.
func (a *App) Close() error {
	return a.DB.Close()
}

// NewWorker builds the queue worker bound to the pipeline, with the media
// TTL sweep attached.
func (a *App) NewWorker() *queue.Worker {
	w := queue.NewWorker(a.Queue, queue.ProcessorFunc(func(ctx context.Context, messageID string) error {
		result := a.Orchestrator.Process(ctx, messageID)
		if !result.Success {
			return fmt.Errorf("pipeline: %s", result.Error)
		}
		return nil
	}), queue.WorkerConfig{
		PollInterval: a.Config.Queue.PollInterval,
		StuckAfter:   a.Config.Queue.StuckAfter,
		SweepSpec:    a.Config.Queue.SweepSpec,
	}, a.Logger)

	w.AddSweeper(func() error {
		a.Media.DeleteExpired()
		return nil
	})
	return w
}

// Submit persists an inbound message and enqueues it, returning the
// message and its queue tracking id.
func (a *App) Submit(ownerID int64, conversationID, text string) (*store.Message, string, error) {
	msg := &store.Message{
		OwnerID:        ownerID,
		ConversationID: conversationID,
		Direction:      store.DirectionIn,
		Text:           text,
	}
	if err := a.Messages.Create(msg); err != nil {
		return nil, "", err
	}
	tracking, err := a.Queue.Enqueue(msg.ID, msg.TrackingID)
	if err != nil {
		return nil, "", err
	}
	return msg, tracking, nil
}

// seedCatalog upserts configured models and capability defaults.
func seedCatalog(catalog *store.Catalog, cfg *engine.Config) error {
	byName := map[string]int64{}
	for _, mc := range cfg.Models {
		selectable := true
		if mc.Selectable != nil {
			selectable = *mc.Selectable
		}
		m := &store.Model{
			Name:       mc.Name,
			Provider:   mc.Provider,
			Capability: mc.Capability,
			Quality:    mc.Quality,
			Rating:     mc.Rating,
			Selectable: selectable,
			Features:   mc.Features,
		}
		if err := catalog.Upsert(m); err != nil {
			return fmt.Errorf("seed model %s: %w", mc.Name, err)
		}
		byName[mc.Name] = m.ID
	}

	for capability, name := range cfg.Defaults {
		id, ok := byName[name]
		if !ok {
			return fmt.Errorf("default for %s references unknown model %q", capability, name)
		}
		if err := catalog.SetDefault(0, capability, id); err != nil {
			return fmt.Errorf("seed default %s: %w", capability, err)
		}
	}
	return nil
}
