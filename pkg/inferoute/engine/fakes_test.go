package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/castilho/inferoute/pkg/inferoute/retrieval"
	"github.com/castilho/inferoute/pkg/inferoute/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider scripts provider behavior per call.
type fakeProvider struct {
	chatFn  func(messages []ChatMessage, opts ChatOptions) (*ChatResult, error)
	imageFn func(prompt string, opts ChatOptions) (*MediaResult, error)
	videoFn func(prompt string, opts ChatOptions) (*MediaResult, error)

	chatCalls   int
	mediaCalls  int
	lastMsgs    []ChatMessage
	lastOptions ChatOptions
}

func (f *fakeProvider) Chat(_ context.Context, messages []ChatMessage, _ int64, opts ChatOptions) (*ChatResult, error) {
	f.chatCalls++
	f.lastMsgs = messages
	f.lastOptions = opts
	if f.chatFn != nil {
		return f.chatFn(messages, opts)
	}
	return &ChatResult{Content: "ok", Provider: "openai", Model: opts.Model}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, messages []ChatMessage, onChunk StreamCallback, userID int64, opts ChatOptions) (*ChatResult, error) {
	result, err := f.Chat(ctx, messages, userID, opts)
	if err != nil {
		return nil, err
	}
	if onChunk != nil && result.Content != "" {
		onChunk(result.Content)
	}
	return result, nil
}

func (f *fakeProvider) GenerateImage(_ context.Context, prompt string, _ int64, opts ChatOptions) (*MediaResult, error) {
	f.mediaCalls++
	if f.imageFn != nil {
		return f.imageFn(prompt, opts)
	}
	return &MediaResult{URL: "https://cdn.example/img.png", Provider: "openai", Model: opts.Model}, nil
}

func (f *fakeProvider) GenerateVideo(_ context.Context, prompt string, _ int64, opts ChatOptions) (*MediaResult, error) {
	f.mediaCalls++
	if f.videoFn != nil {
		return f.videoFn(prompt, opts)
	}
	return &MediaResult{URL: "https://cdn.example/vid.mp4", Provider: "openai", Model: opts.Model}, nil
}

// fakeBinder serves a fixed model set keyed by id.
type fakeBinder struct {
	models   map[int64]*store.Model
	defaults map[string]int64
}

func newFakeBinder(models ...*store.Model) *fakeBinder {
	b := &fakeBinder{models: map[int64]*store.Model{}, defaults: map[string]int64{}}
	for _, m := range models {
		b.models[m.ID] = m
	}
	return b
}

func (b *fakeBinder) DefaultModel(capability string, _ int64) int64 {
	return b.defaults[capability]
}

func (b *fakeBinder) ModelByID(id int64) (*store.Model, error) {
	if m, ok := b.models[id]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (b *fakeBinder) ProviderFor(id int64) string {
	if m, ok := b.models[id]; ok {
		return m.Provider
	}
	return ""
}

func (b *fakeBinder) ModelNameFor(id int64) string {
	if m, ok := b.models[id]; ok {
		return m.Name
	}
	return ""
}

func (b *fakeBinder) FeaturesFor(id int64) []string {
	if m, ok := b.models[id]; ok {
		return m.Features
	}
	return nil
}

func (b *fakeBinder) EligibleModels(capability string, _ int) ([]store.Model, error) {
	var out []store.Model
	for id := int64(1); id <= int64(len(b.models))+10; id++ {
		if m, ok := b.models[id]; ok && m.Capability == capability && m.Selectable {
			out = append(out, *m)
		}
	}
	return out, nil
}

// fakePrompts serves templates keyed by topic.
type fakePrompts struct {
	templates map[string]*store.PromptTemplate
	topics    []store.TopicInfo
}

func (f *fakePrompts) FindByTopic(topic string, _ int64, _ string) (*store.PromptTemplate, error) {
	if t, ok := f.templates[topic]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakePrompts) ListTopics(_ bool) ([]store.TopicInfo, error) {
	return f.topics, nil
}

// fakeRetrieval records queries and replays canned results per group key.
type fakeRetrieval struct {
	byGroup map[string][]retrieval.Result
	err     error
	queried []string
}

func (f *fakeRetrieval) SemanticSearch(_ context.Context, _ string, _ int64, groupKey string, _ int, _ float64) ([]retrieval.Result, error) {
	f.queried = append(f.queried, groupKey)
	if f.err != nil {
		return nil, f.err
	}
	return f.byGroup[groupKey], nil
}

// fakeOverrides is an in-memory override reader.
type fakeOverrides struct {
	values map[string]string // messageID+"/"+key
	err    error
}

func (f *fakeOverrides) Get(messageID, key string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.values[messageID+"/"+key]
	return v, ok, nil
}

// fakeSorter scripts the AI sorting tier.
type fakeSorter struct {
	outcome SortOutcome
	err     error
	called  bool
}

func (f *fakeSorter) Sort(_ context.Context, _ *store.Message, _ []*store.Message, _ int64) (SortOutcome, error) {
	f.called = true
	return f.outcome, f.err
}

// fakeHandler scripts router targets.
type fakeHandler struct {
	resp  *Response
	err   error
	calls int
}

func (f *fakeHandler) Handle(_ context.Context, _ *Request) (*Response, error) {
	f.calls++
	return f.resp, f.err
}

func (f *fakeHandler) HandleStream(ctx context.Context, req *Request, _ StreamCallback) (*Response, error) {
	return f.Handle(ctx, req)
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
