package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/castilho/inferoute/pkg/inferoute/store"
)

type pipelineFixture struct {
	orch     *Orchestrator
	messages *store.MessageStore
	chat     *fakeHandler
	media    *fakeHandler
	sorter   *fakeSorter
	bus      *ProgressBus
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	logger := testLogger()
	db, err := store.OpenDatabase(":memory:", logger)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	messages := store.NewMessageStore(db, logger)
	overrides := store.NewOverrideStore(db)
	sorter := &fakeSorter{outcome: SortOutcome{Topic: "general", Language: "en"}}
	classifier := NewClassifier(overrides, sorter, logger)

	chat := &fakeHandler{resp: &Response{Content: "answer", Provider: "openai", Model: "gpt-4o"}}
	media := &fakeHandler{resp: &Response{
		Content: "image ready", Provider: "openai", Model: "dall-e-3",
		Metadata: map[string]any{"file_path": "/data/img.png", "file_type": "image"},
	}}
	router := NewRouter(logger)
	router.Register(IntentChat, chat)
	router.Register(IntentMediaGeneration, media)

	bus := NewProgressBus()
	return &pipelineFixture{
		orch:     NewOrchestrator(messages, classifier, router, bus, nil, nil, 10, logger),
		messages: messages,
		chat:     chat,
		media:    media,
		sorter:   sorter,
		bus:      bus,
	}
}

func (f *pipelineFixture) seed(t *testing.T, text string) *store.Message {
	t.Helper()
	msg := &store.Message{OwnerID: 1, ConversationID: "conv", Direction: store.DirectionIn, Text: text}
	if err := f.messages.Create(msg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return msg
}

func TestProcessChatEndToEnd(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	f.sorter.outcome = SortOutcome{Topic: "billing", Language: "pt"}
	msg := f.seed(t, "como funciona a fatura")

	var statuses []string
	f.bus.Subscribe(func(ev ProgressEvent) { statuses = append(statuses, ev.Status) })

	result := f.orch.Process(context.Background(), msg.ID)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.Response.Content != "answer" {
		t.Errorf("content = %q", result.Response.Content)
	}

	stored, err := f.messages.Get(msg.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Topic != "billing" || stored.Language != "pt" {
		t.Errorf("classification persisted as %s/%s", stored.Topic, stored.Language)
	}
	if stored.Status != store.StatusComplete || stored.Provider != "openai" || stored.Model != "gpt-4o" {
		t.Errorf("stored = %s/%s/%s", stored.Status, stored.Provider, stored.Model)
	}

	thread, err := f.messages.Thread("conv", "", 10)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("thread length = %d, want inbound + reply", len(thread))
	}
	reply := thread[1]
	if reply.Direction != store.DirectionOut || reply.TrackingID != msg.TrackingID || reply.Text != "answer" {
		t.Errorf("reply = %+v", reply)
	}

	want := []string{StatusStarted, StatusClassifying, StatusClassified, StatusComplete}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status[%d] = %s, want %s", i, statuses[i], want[i])
		}
	}
}

func TestProcessMediaCommandRoutesToMediaHandler(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	msg := f.seed(t, "/pic a red fox")

	result := f.orch.Process(context.Background(), msg.ID)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if f.media.calls != 1 || f.chat.calls != 0 {
		t.Errorf("calls media=%d chat=%d", f.media.calls, f.chat.calls)
	}
	if f.sorter.called {
		t.Error("command classification must skip sorting")
	}

	thread, err := f.messages.Thread("conv", "", 10)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	reply := thread[len(thread)-1]
	if reply.FilePath != "/data/img.png" || reply.FileType != "image" {
		t.Errorf("reply file = %q/%q", reply.FilePath, reply.FileType)
	}
}

func TestProcessHandlerFailureMarksError(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	f.chat.err = errors.New("provider down")
	msg := f.seed(t, "hello")

	result := f.orch.Process(context.Background(), msg.ID)
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error == "" {
		t.Error("failure must carry an error string")
	}

	stored, err := f.messages.Get(msg.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != store.StatusError {
		t.Errorf("status = %s, want error", stored.Status)
	}
}

func TestProcessUnknownMessage(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	result := f.orch.Process(context.Background(), "missing")
	if result.Success {
		t.Fatal("expected failure for a missing message")
	}
}

func TestProcessStreamDeliversChunks(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	msg := f.seed(t, "hello")

	var chunks int
	result := f.orch.ProcessStream(context.Background(), msg.ID, func(string) { chunks++ })
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
}

func TestProcessProviderErrorDetailsSurface(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	f.chat.err = &ProviderError{
		Provider: "openai", Model: "gpt-4o", Message: "rate limited",
		Details: map[string]any{"status": 429, "kind": "rate_limit"},
	}
	msg := f.seed(t, "hello")

	result := f.orch.Process(context.Background(), msg.ID)
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Details["kind"] != "rate_limit" {
		t.Errorf("details = %v", result.Details)
	}
}
