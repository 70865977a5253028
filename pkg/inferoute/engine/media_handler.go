package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/castilho/inferoute/pkg/inferoute/media"
	"github.com/castilho/inferoute/pkg/inferoute/store"
)

// Fallback image binding when no IMAGE model is registered. Media requests
// should still produce something rather than a configuration error.
const (
	fallbackImageProvider = "openai"
	fallbackImageModel    = "dall-e-3"
)

// MediaHandler turns /pic and /vid requests into generated assets. It never
// returns an error to the router: generation failures become a user-facing
// message so a flaky image backend cannot cascade into the chat fallback.
type MediaHandler struct {
	provider GenerationProvider
	binder   ModelBinder
	assets   *media.Store
	logger   *slog.Logger
}

// NewMediaHandler creates the media generation handler.
func NewMediaHandler(provider GenerationProvider, binder ModelBinder, assets *media.Store, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{
		provider: provider,
		binder:   binder,
		assets:   assets,
		logger:   logger.With("component", "media_handler"),
	}
}

// Handle delegates to the streaming path; media generation has no
// incremental output so the two are equivalent.
func (h *MediaHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	return h.HandleStream(ctx, req, nil)
}

// HandleStream generates an image, video, or audio asset for the request.
func (h *MediaHandler) HandleStream(ctx context.Context, req *Request, onChunk StreamCallback) (*Response, error) {
	msg := req.Message
	cls := req.Classification

	mediaType := h.resolveType(cls, msg.Text)
	opts := h.resolveModel(cls, mediaType, msg.OwnerID)

	emit(req.Progress, req.RunID, StatusGenerating, "generating "+string(mediaType), map[string]any{
		"provider": opts.Provider, "model": opts.Model,
	})

	prompt := stripCommand(msg.Text)
	if prompt == "" {
		return h.failed(onChunk, req, "Please describe what you would like me to generate.", nil)
	}

	var result *MediaResult
	var err error
	switch mediaType {
	case media.TypeVideo, media.TypeAudio:
		result, err = h.provider.GenerateVideo(ctx, prompt, msg.OwnerID, opts)
	default:
		result, err = h.provider.GenerateImage(ctx, prompt, msg.OwnerID, opts)
	}
	if err != nil {
		h.logger.Error("media generation failed",
			"message", msg.ID, "type", mediaType, "provider", opts.Provider, "model", opts.Model, "error", err)
		return h.failed(onChunk, req,
			fmt.Sprintf("Sorry, I could not generate the %s right now. Please try again later.", mediaType), err)
	}

	resp := &Response{
		Provider: result.Provider,
		Model:    result.Model,
		Metadata: map[string]any{"file_type": string(mediaType)},
	}

	// Images are pulled into local storage; video and audio stay remote,
	// the URL is handed through as-is.
	if mediaType == media.TypeImage {
		asset, dlErr := h.assets.Download(ctx, result.URL, mediaType)
		if dlErr != nil {
			h.logger.Warn("image download failed, keeping remote url",
				"message", msg.ID, "url", result.URL, "error", dlErr)
			resp.Metadata["file_path"] = result.URL
		} else {
			resp.Metadata["file_path"] = h.assets.Path(asset)
			resp.Metadata["asset_id"] = asset.ID
		}
	} else {
		resp.Metadata["file_path"] = result.URL
	}

	content := "Here is your " + string(mediaType) + "."
	if result.RevisedPrompt != "" {
		content = result.RevisedPrompt
	}
	resp.Content = content
	if onChunk != nil {
		onChunk(content)
	}
	return resp, nil
}

// resolveType picks the media capability: an explicit model choice wins,
// then prompt keywords, then image.
func (h *MediaHandler) resolveType(cls Classification, text string) media.Type {
	if cls.ModelID > 0 {
		if m, err := h.binder.ModelByID(cls.ModelID); err == nil && m != nil {
			switch m.Capability {
			case store.CapabilityVideo:
				return media.TypeVideo
			case store.CapabilityAudio:
				return media.TypeAudio
			case store.CapabilityImage:
				return media.TypeImage
			}
		}
	}

	lower := strings.ToLower(text)
	switch {
	case cls.Topic == "tools:vid":
		return media.TypeVideo
	case strings.Contains(lower, "video") || strings.Contains(lower, "animate"):
		return media.TypeVideo
	case strings.Contains(lower, "audio") || strings.Contains(lower, "voice") || strings.Contains(lower, "speech"):
		return media.TypeAudio
	default:
		return media.TypeImage
	}
}

// resolveModel binds a provider/model for the capability, falling back to a
// hardcoded image binding when the catalog has nothing registered.
func (h *MediaHandler) resolveModel(cls Classification, typ media.Type, ownerID int64) ChatOptions {
	capability := store.CapabilityImage
	switch typ {
	case media.TypeVideo:
		capability = store.CapabilityVideo
	case media.TypeAudio:
		capability = store.CapabilityAudio
	}

	modelID := cls.ModelID
	if modelID == 0 {
		modelID = h.binder.DefaultModel(capability, ownerID)
	}
	if modelID > 0 {
		provider := h.binder.ProviderFor(modelID)
		name := h.binder.ModelNameFor(modelID)
		if provider != "" && name != "" {
			return ChatOptions{Provider: provider, Model: name}
		}
	}
	if typ == media.TypeImage {
		return ChatOptions{Provider: fallbackImageProvider, Model: fallbackImageModel}
	}
	return ChatOptions{}
}

// failed emits the error status and streams a user-facing message. The
// handler still returns a successful response: the user sees the message
// and the pipeline records the failure detail in metadata.
func (h *MediaHandler) failed(onChunk StreamCallback, req *Request, message string, cause error) (*Response, error) {
	meta := map[string]any{}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	emit(req.Progress, req.RunID, StatusError, message, meta)
	if onChunk != nil {
		onChunk(message)
	}
	return &Response{Content: message, Metadata: meta}, nil
}

// stripCommand removes the leading slash command from a prompt.
func stripCommand(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "/") {
		if idx := strings.IndexByte(text, ' '); idx >= 0 {
			text = text[idx+1:]
		} else {
			text = ""
		}
	}
	return strings.TrimSpace(text)
}
