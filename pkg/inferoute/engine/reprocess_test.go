package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/castilho/inferoute/pkg/inferoute/store"
)

type reprocessFixture struct {
	rp        *Reprocessor
	messages  *store.MessageStore
	overrides *store.OverrideStore
	provider  *fakeProvider
}

func newReprocessFixture(t *testing.T) *reprocessFixture {
	t.Helper()
	logger := testLogger()
	db, err := store.OpenDatabase(":memory:", logger)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	messages := store.NewMessageStore(db, logger)
	overrides := store.NewOverrideStore(db)
	binder := newFakeBinder(
		&store.Model{ID: 1, Name: "gpt-4o", Provider: "openai", Capability: store.CapabilityChat, Selectable: true},
		&store.Model{ID: 2, Name: "claude-sonnet", Provider: "anthropic", Capability: store.CapabilityChat, Selectable: true},
	)
	binder.defaults[store.CapabilityChat] = 1
	provider := &fakeProvider{}
	prompts := &fakePrompts{templates: map[string]*store.PromptTemplate{}}

	return &reprocessFixture{
		rp:        NewReprocessor(messages, overrides, binder, prompts, provider, logger),
		messages:  messages,
		overrides: overrides,
		provider:  provider,
	}
}

func (f *reprocessFixture) seed(t *testing.T) *store.Message {
	t.Helper()
	msg := &store.Message{
		OwnerID:        1,
		ConversationID: "conv",
		Direction:      store.DirectionIn,
		Text:           "how do invoices work",
		Topic:          "general",
		Language:       "en",
		Status:         store.StatusComplete,
	}
	if err := f.messages.Create(msg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return msg
}

func TestReprocessClonePreservesTrackingID(t *testing.T) {
	t.Parallel()

	f := newReprocessFixture(t)
	original := f.seed(t)

	result, err := f.rp.Reprocess(context.Background(), ReprocessRequest{
		MessageID: original.ID, OwnerID: 1, Topic: "billing", ModelID: 2,
	})
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}

	if result.Inbound.ID == original.ID {
		t.Error("clone must get a fresh id")
	}
	if result.Inbound.TrackingID != original.TrackingID {
		t.Errorf("clone tracking id = %q, want %q", result.Inbound.TrackingID, original.TrackingID)
	}
	if result.Outbound.TrackingID != original.TrackingID {
		t.Errorf("reply tracking id = %q, want %q", result.Outbound.TrackingID, original.TrackingID)
	}
	if result.Inbound.Status != store.StatusComplete {
		t.Errorf("clone status = %s, want complete", result.Inbound.Status)
	}
	if result.Outbound.Direction != store.DirectionOut {
		t.Errorf("reply direction = %s", result.Outbound.Direction)
	}
}

func TestReprocessWritesOverrides(t *testing.T) {
	t.Parallel()

	f := newReprocessFixture(t)
	original := f.seed(t)

	result, err := f.rp.Reprocess(context.Background(), ReprocessRequest{
		MessageID: original.ID, OwnerID: 1, Topic: "billing", ModelID: 2,
	})
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}

	topic, ok, err := f.overrides.Get(result.Inbound.ID, store.OverrideKeyPromptID)
	if err != nil || !ok || topic != "billing" {
		t.Errorf("topic override = %q/%v/%v, want billing", topic, ok, err)
	}
	modelID, ok, err := f.overrides.Get(result.Inbound.ID, store.OverrideKeyModelID)
	if err != nil || !ok || modelID != "2" {
		t.Errorf("model override = %q/%v/%v, want 2", modelID, ok, err)
	}
	if f.provider.lastOptions.Model != "claude-sonnet" {
		t.Errorf("provider called with %q, want claude-sonnet", f.provider.lastOptions.Model)
	}
}

func TestReprocessDefaultsAreNotPinned(t *testing.T) {
	t.Parallel()

	f := newReprocessFixture(t)
	original := f.seed(t)

	// Neither topic nor model forced: defaults drive generation but stay
	// free to re-classify on later passes.
	result, err := f.rp.Reprocess(context.Background(), ReprocessRequest{
		MessageID: original.ID, OwnerID: 1,
	})
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}

	if _, ok, err := f.overrides.Get(result.Inbound.ID, store.OverrideKeyPromptID); err != nil || ok {
		t.Errorf("topic override present = %v/%v, want none", ok, err)
	}
	if _, ok, err := f.overrides.Get(result.Inbound.ID, store.OverrideKeyModelID); err != nil || ok {
		t.Errorf("model override present = %v/%v, want none", ok, err)
	}
	if f.provider.lastOptions.Model != "gpt-4o" {
		t.Errorf("provider called with %q, want the chat default gpt-4o", f.provider.lastOptions.Model)
	}
}

func TestReprocessOwnershipDenied(t *testing.T) {
	t.Parallel()

	f := newReprocessFixture(t)
	original := f.seed(t)

	_, err := f.rp.Reprocess(context.Background(), ReprocessRequest{
		MessageID: original.ID, OwnerID: 99, ModelID: 2,
	})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if f.provider.chatCalls != 0 {
		t.Error("provider must not be called for a denied request")
	}
}

func TestReprocessMissingMessage(t *testing.T) {
	t.Parallel()

	f := newReprocessFixture(t)
	_, err := f.rp.Reprocess(context.Background(), ReprocessRequest{MessageID: "nope", OwnerID: 1})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReprocessExtractsMediaMarkers(t *testing.T) {
	t.Parallel()

	f := newReprocessFixture(t)
	original := f.seed(t)
	f.provider.chatFn = func(_ []ChatMessage, _ ChatOptions) (*ChatResult, error) {
		return &ChatResult{
			Content: "Here is the chart. [IMAGE:https://cdn.example/chart.png]",
			Provider: "openai", Model: "gpt-4o",
		}, nil
	}

	result, err := f.rp.Reprocess(context.Background(), ReprocessRequest{
		MessageID: original.ID, OwnerID: 1, ModelID: 1,
	})
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if result.Outbound.Text != "Here is the chart." {
		t.Errorf("text = %q, want marker stripped", result.Outbound.Text)
	}
	if result.Outbound.FilePath != "https://cdn.example/chart.png" || result.Outbound.FileType != "image" {
		t.Errorf("file = %q/%q", result.Outbound.FilePath, result.Outbound.FileType)
	}
}

func TestReprocessSuggestsNextModel(t *testing.T) {
	t.Parallel()

	f := newReprocessFixture(t)
	original := f.seed(t)

	result, err := f.rp.Reprocess(context.Background(), ReprocessRequest{
		MessageID: original.ID, OwnerID: 1, ModelID: 1,
	})
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if result.Suggested == nil || result.Suggested.ID != 2 {
		t.Errorf("suggested = %+v, want the cyclic successor (id 2)", result.Suggested)
	}
}

func TestExtractMediaMarkers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		text     string
		filePath string
		fileType string
	}{
		{"plain answer", "plain answer", "", ""},
		{"[IMAGE:https://a/b.png] caption", "caption", "https://a/b.png", "image"},
		{"see this [VIDEO:https://a/b.mp4]", "see this", "https://a/b.mp4", "video"},
	}
	for _, tt := range tests {
		text, filePath, fileType := extractMediaMarkers(tt.in)
		if text != tt.text || filePath != tt.filePath || fileType != tt.fileType {
			t.Errorf("extractMediaMarkers(%q) = %q/%q/%q, want %q/%q/%q",
				tt.in, text, filePath, fileType, tt.text, tt.filePath, tt.fileType)
		}
	}
}
