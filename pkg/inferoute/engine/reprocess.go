package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/castilho/inferoute/pkg/inferoute/store"
)

var (
	imageMarkerRe = regexp.MustCompile(`\[IMAGE:([^\]\s]+)\]`)
	videoMarkerRe = regexp.MustCompile(`\[VIDEO:([^\]\s]+)\]`)
)

// ReprocessRequest asks for a past exchange to be run again with a forced
// topic and/or model.
type ReprocessRequest struct {
	MessageID string
	OwnerID   int64
	Topic     string
	ModelID   int64
	Progress  ProgressFunc
	RunID     string
}

// ReprocessResult is the outcome of a reprocessing run.
type ReprocessResult struct {
	Inbound  *store.Message
	Outbound *store.Message
	// Suggested is the model the UI should offer for the next retry,
	// the cyclic successor of the one just used. Nil when the catalog
	// has no eligible models.
	Suggested *store.Model
}

// Reprocessor re-runs a stored exchange with explicit topic/model
// overrides, preserving the exchange TrackingID so all attempts stay
// grouped.
type Reprocessor struct {
	messages  *store.MessageStore
	overrides *store.OverrideStore
	binder    ModelBinder
	prompts   PromptSource
	provider  GenerationProvider
	logger    *slog.Logger
}

// NewReprocessor creates a reprocessor.
func NewReprocessor(messages *store.MessageStore, overrides *store.OverrideStore, binder ModelBinder, prompts PromptSource, provider GenerationProvider, logger *slog.Logger) *Reprocessor {
	return &Reprocessor{
		messages:  messages,
		overrides: overrides,
		binder:    binder,
		prompts:   prompts,
		provider:  provider,
		logger:    logger.With("component", "reprocess"),
	}
}

// Reprocess clones the original inbound message, pins its classification
// via overrides, and generates a fresh reply. The caller must own the
// original message.
func (r *Reprocessor) Reprocess(ctx context.Context, req ReprocessRequest) (*ReprocessResult, error) {
	original, err := r.messages.Get(req.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load message for reprocess: %w", err)
	}
	if original.OwnerID != req.OwnerID {
		return nil, ErrAccessDenied
	}

	topic := req.Topic
	if topic == "" {
		topic = original.Topic
	}
	modelID := req.ModelID
	if modelID == 0 {
		modelID = r.binder.DefaultModel(store.CapabilityChat, req.OwnerID)
	}

	clone := &store.Message{
		ID:             store.NewMessageID(),
		OwnerID:        original.OwnerID,
		ConversationID: original.ConversationID,
		TrackingID:     original.TrackingID,
		Direction:      store.DirectionIn,
		Text:           original.Text,
		FileText:       original.FileText,
		FilePath:       original.FilePath,
		FileType:       original.FileType,
		Topic:          topic,
		Language:       original.Language,
		Status:         store.StatusProcessing,
	}
	if err := r.messages.Create(clone); err != nil {
		return nil, fmt.Errorf("persist reprocess clone: %w", err)
	}

	// Pin only what the caller forced, so any later pipeline pass over
	// this clone resolves the same way without AI sorting. Defaulted
	// values stay unpinned and free to re-classify.
	if req.Topic != "" {
		if err := r.overrides.Set(clone.ID, store.OverrideKeyPromptID, req.Topic); err != nil {
			return nil, err
		}
	}
	if req.ModelID > 0 {
		if err := r.overrides.Set(clone.ID, store.OverrideKeyModelID, strconv.FormatInt(req.ModelID, 10)); err != nil {
			return nil, err
		}
	}

	emit(req.Progress, req.RunID, StatusGenerating, "reprocessing message", map[string]any{
		"original": original.ID, "clone": clone.ID, "topic": topic, "model_id": modelID,
	})

	outbound, err := r.generate(ctx, clone, topic, modelID)
	if err != nil {
		clone.Status = store.StatusError
		if uerr := r.messages.Update(clone); uerr != nil {
			r.logger.Warn("failed to mark clone errored", "message", clone.ID, "error", uerr)
		}
		return nil, err
	}

	clone.Status = store.StatusComplete
	if err := r.messages.Update(clone); err != nil {
		return nil, fmt.Errorf("complete reprocess clone: %w", err)
	}

	result := &ReprocessResult{Inbound: clone, Outbound: outbound}
	if eligible, err := r.binder.EligibleModels(store.CapabilityChat, 0); err == nil {
		result.Suggested = store.PredictedNext(eligible, modelID)
	}
	return result, nil
}

func (r *Reprocessor) generate(ctx context.Context, clone *store.Message, topic string, modelID int64) (*store.Message, error) {
	system := genericSystemPrompt
	if template, err := r.prompts.FindByTopic(topic, clone.OwnerID, clone.Language); err == nil && template.Text != "" {
		system = template.Text
	}

	opts := ChatOptions{
		Provider: r.binder.ProviderFor(modelID),
		Model:    r.binder.ModelNameFor(modelID),
	}

	userContent := clone.Text
	if clone.FileText != "" {
		userContent += "\n\nUser provided 1 file(s):\n" + truncate(clone.FileText, threadFileCap)
	}

	messages := []ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: userContent},
	}
	chat, err := r.provider.Chat(ctx, messages, clone.OwnerID, opts)
	if err != nil {
		return nil, err
	}

	text, filePath, fileType := extractMediaMarkers(chat.Content)
	outbound := &store.Message{
		OwnerID:        clone.OwnerID,
		ConversationID: clone.ConversationID,
		TrackingID:     clone.TrackingID,
		Direction:      store.DirectionOut,
		Text:           text,
		FilePath:       filePath,
		FileType:       fileType,
		Topic:          topic,
		Language:       clone.Language,
		Status:         store.StatusComplete,
		Provider:       chat.Provider,
		Model:          chat.Model,
	}
	if err := r.messages.Create(outbound); err != nil {
		return nil, fmt.Errorf("persist reprocess reply: %w", err)
	}
	return outbound, nil
}

// extractMediaMarkers pulls the first [IMAGE:url] or [VIDEO:url] marker out
// of generated text. The marker is stripped from the returned text.
func extractMediaMarkers(text string) (cleaned, filePath, fileType string) {
	if m := imageMarkerRe.FindStringSubmatch(text); m != nil {
		filePath, fileType = m[1], "image"
		text = imageMarkerRe.ReplaceAllString(text, "")
	} else if m := videoMarkerRe.FindStringSubmatch(text); m != nil {
		filePath, fileType = m[1], "video"
		text = videoMarkerRe.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text), filePath, fileType
}
