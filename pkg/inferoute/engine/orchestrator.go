package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/castilho/inferoute/pkg/inferoute/store"
)

// Preprocessor is an optional hook run before classification, for things
// like file text extraction or input normalization. Mutations to the
// message are persisted by the caller only through the usual pipeline
// fields.
type Preprocessor interface {
	Preprocess(ctx context.Context, msg *store.Message) error
}

// Orchestrator drives a message through the full pipeline: load, optional
// preprocessing, classification, routing, persistence. It never returns a
// Go error for pipeline failures; outcomes are reported as PipelineResult.
type Orchestrator struct {
	messages   *store.MessageStore
	classifier *Classifier
	router     *Router
	bus        *ProgressBus
	pre        Preprocessor
	searcher   WebSearcher
	maxTurns   int
	logger     *slog.Logger
}

// NewOrchestrator wires the pipeline together. pre and searcher may be nil.
func NewOrchestrator(messages *store.MessageStore, classifier *Classifier, router *Router, bus *ProgressBus, pre Preprocessor, searcher WebSearcher, maxTurns int, logger *slog.Logger) *Orchestrator {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &Orchestrator{
		messages:   messages,
		classifier: classifier,
		router:     router,
		bus:        bus,
		pre:        pre,
		searcher:   searcher,
		maxTurns:   maxTurns,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Process runs the pipeline for a stored message and returns the shaped
// outcome.
func (o *Orchestrator) Process(ctx context.Context, messageID string) *PipelineResult {
	return o.run(ctx, messageID, nil)
}

// ProcessStream runs the pipeline with incremental output delivered to
// onChunk.
func (o *Orchestrator) ProcessStream(ctx context.Context, messageID string, onChunk StreamCallback) *PipelineResult {
	return o.run(ctx, messageID, onChunk)
}

func (o *Orchestrator) run(ctx context.Context, messageID string, onChunk StreamCallback) *PipelineResult {
	runID := uuid.NewString()
	progress := o.bus.Emit
	defer o.bus.CleanupRun(runID)

	emit(progress, runID, StatusStarted, "processing message", map[string]any{"message": messageID})

	msg, err := o.messages.Get(messageID)
	if err != nil {
		o.logger.Error("message load failed", "message", messageID, "error", err)
		return failureResult(err)
	}

	thread, err := o.messages.Thread(msg.ConversationID, msg.ID, o.maxTurns)
	if err != nil {
		o.logger.Warn("thread load failed, continuing without history",
			"message", msg.ID, "error", err)
		thread = nil
	}

	if o.pre != nil {
		emit(progress, runID, StatusPreprocessing, "preprocessing", nil)
		if err := o.pre.Preprocess(ctx, msg); err != nil {
			o.logger.Warn("preprocessing failed, continuing", "message", msg.ID, "error", err)
		}
	}

	emit(progress, runID, StatusClassifying, "classifying message", nil)
	cls := o.classifier.Classify(ctx, msg, thread)
	emit(progress, runID, StatusClassified, "message classified", map[string]any{
		"topic": cls.Topic, "language": cls.Language, "source": string(cls.Source),
	})

	msg.Topic = cls.Topic
	msg.Language = cls.Language
	if err := o.messages.Update(msg); err != nil {
		o.logger.Warn("failed to persist classification", "message", msg.ID, "error", err)
	}

	// Web search is best effort; a failed search means an answer without
	// citations, not a failed run.
	if cls.WebSearch && o.searcher != nil {
		emit(progress, runID, StatusAnalyzing, "searching the web", nil)
		results, serr := o.searcher.Search(ctx, stripCommand(msg.Text), 5)
		if serr != nil {
			o.logger.Warn("web search failed, continuing without results", "message", msg.ID, "error", serr)
		} else {
			cls.SearchResults = results
		}
	}

	req := &Request{
		Message:        msg,
		Thread:         thread,
		Classification: cls,
		RunID:          runID,
		Progress:       progress,
	}

	var resp *Response
	if onChunk != nil {
		resp, err = o.router.RouteStream(ctx, req, onChunk)
	} else {
		resp, err = o.router.Route(ctx, req)
	}
	if err != nil {
		o.logger.Error("pipeline failed", "message", msg.ID, "intent", cls.Intent().String(), "error", err)
		msg.Status = store.StatusError
		if uerr := o.messages.Update(msg); uerr != nil {
			o.logger.Warn("failed to mark message errored", "message", msg.ID, "error", uerr)
		}
		emit(progress, runID, StatusError, "processing failed", map[string]any{"error": err.Error()})
		return failureResult(err)
	}

	msg.Status = store.StatusComplete
	msg.Provider = resp.Provider
	msg.Model = resp.Model
	if err := o.messages.Update(msg); err != nil {
		o.logger.Warn("failed to mark message complete", "message", msg.ID, "error", err)
	}

	reply := &store.Message{
		OwnerID:        msg.OwnerID,
		ConversationID: msg.ConversationID,
		TrackingID:     msg.TrackingID,
		Direction:      store.DirectionOut,
		Text:           resp.Content,
		Topic:          cls.Topic,
		Language:       cls.Language,
		Status:         store.StatusComplete,
		Provider:       resp.Provider,
		Model:          resp.Model,
	}
	if path, ok := resp.Metadata["file_path"].(string); ok {
		reply.FilePath = path
	}
	if typ, ok := resp.Metadata["file_type"].(string); ok {
		reply.FileType = typ
	}
	if err := o.messages.Create(reply); err != nil {
		o.logger.Warn("failed to persist reply", "message", msg.ID, "error", err)
	}

	emit(progress, runID, StatusComplete, "processing complete", map[string]any{
		"provider": resp.Provider, "model": resp.Model,
	})
	return &PipelineResult{Success: true, Response: resp}
}
