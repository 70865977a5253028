package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/castilho/inferoute/pkg/inferoute/store"
)

// genericSystemPrompt is the assistant instruction when a topic has no
// stored template.
const genericSystemPrompt = "You are a helpful assistant. Answer clearly and concisely in the user's language."

// threadFileCap bounds how much extracted file text a prior turn carries.
const threadFileCap = 2000

// groupKeyPrefix namespaces topic-derived retrieval lookups.
const groupKeyPrefix = "TASKPROMPT:"

// ResponseEnvelope is the structured shape providers are prompted to emit
// when they have more than plain text to return. Non-conforming output is
// plain text, not an error.
type ResponseEnvelope struct {
	Text        string            `json:"text"`
	Attachments []EnvelopeFile    `json:"attachments,omitempty"`
	Links       []EnvelopeLink    `json:"links,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// EnvelopeFile references a file produced by the provider.
type EnvelopeFile struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// EnvelopeLink is a cited link in a structured response.
type EnvelopeLink struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ChatHandler generates conversational responses: it resolves the model,
// assembles system prompt + knowledge base context + thread + search
// results, and calls the provider.
type ChatHandler struct {
	provider  GenerationProvider
	binder    ModelBinder
	prompts   PromptSource
	retrieval RetrievalService
	cfg       RetrievalConfig
	logger    *slog.Logger
}

// NewChatHandler creates the chat handler.
func NewChatHandler(provider GenerationProvider, binder ModelBinder, prompts PromptSource, retrieval RetrievalService, cfg RetrievalConfig, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		provider:  provider,
		binder:    binder,
		prompts:   prompts,
		retrieval: retrieval,
		cfg:       cfg,
		logger:    logger.With("component", "chat_handler"),
	}
}

// Handle generates a complete response.
func (h *ChatHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	messages, binding := h.prepare(ctx, req)

	emit(req.Progress, req.RunID, StatusGenerating, "generating response", map[string]any{
		"provider": binding.provider, "model": binding.name,
	})

	result, err := h.provider.Chat(ctx, messages, req.Message.OwnerID, binding.options())
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Content:  result.Content,
		Provider: result.Provider,
		Model:    result.Model,
		Usage:    result.Usage,
	}
	h.decodeEnvelope(resp)
	return resp, nil
}

// HandleStream generates a streamed response. Models without streaming
// support are called synchronously and their content emitted as one chunk.
func (h *ChatHandler) HandleStream(ctx context.Context, req *Request, onChunk StreamCallback) (*Response, error) {
	messages, binding := h.prepare(ctx, req)

	emit(req.Progress, req.RunID, StatusGenerating, "generating response", map[string]any{
		"provider": binding.provider, "model": binding.name,
	})

	if !binding.streaming {
		result, err := h.provider.Chat(ctx, messages, req.Message.OwnerID, binding.options())
		if err != nil {
			return nil, err
		}
		if onChunk != nil && result.Content != "" {
			onChunk(result.Content)
		}
		return &Response{Content: result.Content, Provider: result.Provider, Model: result.Model, Usage: result.Usage}, nil
	}

	result, err := h.provider.ChatStream(ctx, messages, onChunk, req.Message.OwnerID, binding.options())
	if err != nil {
		return nil, err
	}
	return &Response{Content: result.Content, Provider: result.Provider, Model: result.Model, Usage: result.Usage}, nil
}

// modelBinding is the fully resolved model choice for one request.
type modelBinding struct {
	id        int64
	provider  string
	name      string
	streaming bool
	noSystem  bool
}

func (b modelBinding) options() ChatOptions {
	return ChatOptions{Provider: b.provider, Model: b.name}
}

// prepare resolves the model and assembles the provider messages.
func (h *ChatHandler) prepare(ctx context.Context, req *Request) ([]ChatMessage, modelBinding) {
	msg := req.Message
	cls := req.Classification

	template, _ := h.prompts.FindByTopic(cls.Topic, msg.OwnerID, cls.Language)
	binding := h.resolveModel(cls, template, msg.OwnerID)

	system := genericSystemPrompt
	if template != nil && template.Text != "" {
		system = template.Text
	}
	if block := h.knowledgeBlock(ctx, req); block != "" {
		system += "\n\n" + block
	}

	var messages []ChatMessage
	// Some models reject a system role; the system turn is dropped for those.
	if !binding.noSystem {
		messages = append(messages, ChatMessage{Role: "system", Content: system})
	}

	messages = append(messages, formatThread(req.Thread)...)

	userContent := msg.Text
	if msg.FileText != "" {
		userContent += "\n\nUser provided 1 file(s):\n" + truncate(msg.FileText, threadFileCap)
	}
	if len(cls.SearchResults) > 0 {
		if block := formatSearchResults(cls.SearchResults); block != "" {
			userContent += "\n\n" + block
		}
	}
	messages = append(messages, ChatMessage{Role: "user", Content: userContent})

	return messages, binding
}

// resolveModel applies the model precedence: explicit user choice, topic
// template preference, sorter suggestion, capability default. The first
// populated source wins; later ones are not consulted.
func (h *ChatHandler) resolveModel(cls Classification, template *store.PromptTemplate, ownerID int64) modelBinding {
	var modelID int64
	switch {
	case cls.ModelID > 0:
		modelID = cls.ModelID
	case template != nil && template.AIModel > 0:
		modelID = template.AIModel
	case cls.OverrideModelID > 0:
		modelID = cls.OverrideModelID
	default:
		modelID = h.binder.DefaultModel(store.CapabilityChat, ownerID)
	}

	binding := modelBinding{id: modelID, streaming: true}
	if modelID > 0 {
		binding.provider = h.binder.ProviderFor(modelID)
		binding.name = h.binder.ModelNameFor(modelID)
		features := h.binder.FeaturesFor(modelID)
		binding.streaming = false
		for _, f := range features {
			switch f {
			case store.FeatureStreaming:
				binding.streaming = true
			case store.FeatureNoSystemRole:
				binding.noSystem = true
			}
		}
	}
	return binding
}

// knowledgeBlock runs retrieval and renders the context block. Failures
// are swallowed; chat proceeds without the context.
func (h *ChatHandler) knowledgeBlock(ctx context.Context, req *Request) string {
	msg := req.Message
	topic := req.Classification.Topic

	key := req.GroupKey
	var derived string
	if topic != store.TopicGeneral && topic != "" {
		derived = groupKeyPrefix + topic
	}
	if key == "" {
		key = derived
		derived = "" // no distinct fallback derivable
	}
	if key == "" {
		return ""
	}

	limit := h.cfg.Limit
	if limit <= 0 {
		limit = 5
	}

	results, err := h.retrieval.SemanticSearch(ctx, msg.Text, msg.OwnerID, key, limit, h.cfg.MinScore)
	if err != nil {
		h.logger.Warn("retrieval failed, continuing without context",
			"message", msg.ID, "group_key", key, "error", err)
		results = nil
	}
	// Retry once, only when a distinct fallback key exists.
	if len(results) == 0 && derived != "" && derived != key {
		results, err = h.retrieval.SemanticSearch(ctx, msg.Text, msg.OwnerID, derived, limit, h.cfg.MinScore)
		if err != nil {
			h.logger.Warn("fallback retrieval failed", "message", msg.ID, "group_key", derived, "error", err)
			results = nil
		}
	}
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Knowledge Base Context:\n")
	for i, r := range results {
		source := r.Source
		if source == "" {
			source = "knowledge base"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, source, strings.TrimSpace(r.ChunkText))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// formatThread converts prior messages to provider turns.
func formatThread(thread []*store.Message) []ChatMessage {
	var out []ChatMessage
	for _, m := range thread {
		role := "user"
		if m.Direction == store.DirectionOut {
			role = "assistant"
		}
		content := m.Text
		if m.FileText != "" {
			content += "\n\nUser provided 1 file(s):\n" + truncate(m.FileText, threadFileCap)
		}
		out = append(out, ChatMessage{Role: role, Content: content})
	}
	return out
}

// decodeEnvelope parses a structured response envelope out of content that
// is syntactically a JSON object. Non-conforming content stays as-is.
func (h *ChatHandler) decodeEnvelope(resp *Response) {
	content := strings.TrimSpace(resp.Content)
	if !strings.HasPrefix(content, "{") {
		return
	}

	var env ResponseEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil || env.Text == "" {
		return
	}

	resp.Content = env.Text
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]any)
	}
	if len(env.Attachments) > 0 {
		resp.Metadata["attachments"] = env.Attachments
	}
	if len(env.Links) > 0 {
		resp.Metadata["links"] = env.Links
	}
}
