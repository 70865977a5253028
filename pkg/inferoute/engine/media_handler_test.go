package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/castilho/inferoute/pkg/inferoute/media"
	"github.com/castilho/inferoute/pkg/inferoute/store"
)

func newMediaFixture(t *testing.T) (*MediaHandler, *fakeProvider, *fakeBinder) {
	t.Helper()
	logger := testLogger()
	assets, err := media.NewStore(media.StoreConfig{BaseDir: t.TempDir(), MaxFileSize: 1 << 20}, logger)
	if err != nil {
		t.Fatalf("media store: %v", err)
	}
	provider := &fakeProvider{}
	binder := newFakeBinder(
		&store.Model{ID: 10, Name: "dall-e-3", Provider: "openai", Capability: store.CapabilityImage, Selectable: true},
		&store.Model{ID: 11, Name: "sora", Provider: "openai", Capability: store.CapabilityVideo, Selectable: true},
	)
	binder.defaults[store.CapabilityImage] = 10
	binder.defaults[store.CapabilityVideo] = 11
	return NewMediaHandler(provider, binder, assets, logger), provider, binder
}

func mediaRequest(topic, text string) *Request {
	return &Request{
		Message:        &store.Message{ID: "m1", OwnerID: 1, Text: text},
		Classification: Classification{Topic: topic},
	}
}

func TestMediaImageDownloadedLocally(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("pngbytes"))
	}))
	t.Cleanup(srv.Close)

	h, provider, _ := newMediaFixture(t)
	provider.imageFn = func(prompt string, opts ChatOptions) (*MediaResult, error) {
		if prompt != "a red fox" {
			t.Errorf("prompt = %q, want slash command stripped", prompt)
		}
		return &MediaResult{URL: srv.URL + "/img.png", RevisedPrompt: "A red fox in snow", Provider: "openai", Model: opts.Model}, nil
	}

	var streamed strings.Builder
	resp, err := h.HandleStream(context.Background(), mediaRequest("tools:pic", "/pic a red fox"), func(c string) {
		streamed.WriteString(c)
	})
	if err != nil {
		t.Fatalf("HandleStream: %v", err)
	}
	if resp.Content != "A red fox in snow" || streamed.String() != resp.Content {
		t.Errorf("content = %q, streamed = %q", resp.Content, streamed.String())
	}
	path, _ := resp.Metadata["file_path"].(string)
	if path == "" || strings.HasPrefix(path, "http") {
		t.Errorf("file path = %q, want a local path", path)
	}
	if resp.Metadata["file_type"] != "image" {
		t.Errorf("file type = %v", resp.Metadata["file_type"])
	}
}

func TestMediaVideoKeepsRemoteURL(t *testing.T) {
	t.Parallel()

	h, provider, _ := newMediaFixture(t)
	provider.videoFn = func(_ string, opts ChatOptions) (*MediaResult, error) {
		if opts.Model != "sora" {
			t.Errorf("model = %q, want the VIDEO default", opts.Model)
		}
		return &MediaResult{URL: "https://cdn.example/clip.mp4", Provider: "openai", Model: opts.Model}, nil
	}

	resp, err := h.HandleStream(context.Background(), mediaRequest("tools:vid", "/vid a rocket launch"), nil)
	if err != nil {
		t.Fatalf("HandleStream: %v", err)
	}
	if resp.Metadata["file_path"] != "https://cdn.example/clip.mp4" {
		t.Errorf("file path = %v, want the remote url", resp.Metadata["file_path"])
	}
	if resp.Metadata["file_type"] != "video" {
		t.Errorf("file type = %v", resp.Metadata["file_type"])
	}
}

func TestMediaTypeFromKeywords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want media.Type
	}{
		{"/pic animate this scene", media.TypeVideo},
		{"/pic a voice reading this", media.TypeAudio},
		{"/pic a mountain", media.TypeImage},
	}
	h, _, _ := newMediaFixture(t)
	for _, tt := range tests {
		got := h.resolveType(Classification{Topic: "tools:pic"}, tt.text)
		if got != tt.want {
			t.Errorf("resolveType(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestMediaTypeFromExplicitModel(t *testing.T) {
	t.Parallel()

	h, _, _ := newMediaFixture(t)
	// An explicit video model beats an image-looking prompt.
	got := h.resolveType(Classification{Topic: "tools:pic", ModelID: 11}, "/pic a mountain")
	if got != media.TypeVideo {
		t.Errorf("resolveType = %s, want video from the model capability", got)
	}
}

func TestMediaGenerationFailureNeverErrors(t *testing.T) {
	t.Parallel()

	h, provider, _ := newMediaFixture(t)
	provider.imageFn = func(_ string, _ ChatOptions) (*MediaResult, error) {
		return nil, errors.New("backend down")
	}

	var streamed string
	resp, err := h.HandleStream(context.Background(), mediaRequest("tools:pic", "/pic a cat"), func(c string) {
		streamed = c
	})
	if err != nil {
		t.Fatalf("media failures must not propagate: %v", err)
	}
	if !strings.Contains(resp.Content, "could not generate") || streamed != resp.Content {
		t.Errorf("content = %q, streamed = %q", resp.Content, streamed)
	}
}

func TestMediaEmptyPromptAsksForDescription(t *testing.T) {
	t.Parallel()

	h, provider, _ := newMediaFixture(t)
	resp, err := h.HandleStream(context.Background(), mediaRequest("tools:pic", "/pic"), nil)
	if err != nil {
		t.Fatalf("HandleStream: %v", err)
	}
	if !strings.Contains(resp.Content, "describe") {
		t.Errorf("content = %q", resp.Content)
	}
	if provider.mediaCalls != 0 {
		t.Error("no generation call expected for an empty prompt")
	}
}

func TestMediaFallbackImageBinding(t *testing.T) {
	t.Parallel()

	h, _, binder := newMediaFixture(t)
	binder.defaults = map[string]int64{}

	opts := h.resolveModel(Classification{}, media.TypeImage, 1)
	if opts.Provider != fallbackImageProvider || opts.Model != fallbackImageModel {
		t.Errorf("fallback binding = %s/%s", opts.Provider, opts.Model)
	}
}

func TestStripCommand(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"/pic a cat", "a cat"},
		{"/pic", ""},
		{"no command", "no command"},
		{"  /vid  a rocket ", "a rocket"},
	}
	for _, tt := range tests {
		if got := stripCommand(tt.in); got != tt.want {
			t.Errorf("stripCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
