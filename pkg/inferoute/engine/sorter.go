package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/castilho/inferoute/pkg/inferoute/store"
)

// Sorting call tuning. Classification must be terse and cheap.
const (
	sorterTemperature = 0.1
	sorterMaxTokens   = 200
	sorterHistoryLen  = 6
	sorterOutCap      = 300
	sorterFileCap     = 200
)

// supportedLanguages is the fixed language list offered to the sorter.
var supportedLanguages = []string{"en", "pt", "es", "de", "fr"}

// defaultSortingTemplate is used when no "sorting" template is stored.
const defaultSortingTemplate = `You are a message classifier. Read the conversation and the current message, then pick the single best topic and the message language.

Available topics:
{{TOPICS}}

Respond with JSON only, no prose:
{"topic": one of {{TOPIC_KEYS}}, "language": one of {{LANGUAGES}}, "web_search": true|false}`

// SortOutcome is what AI sorting resolved. Empty fields mean "keep what
// the message already carries".
type SortOutcome struct {
	Topic     string
	Language  string
	ModelID   int64
	Provider  string
	ModelName string
	WebSearch bool
}

// sorterResponse is the JSON shape the sorting model is asked to emit.
type sorterResponse struct {
	Topic     string `json:"topic"`
	Language  string `json:"language"`
	ModelID   int64  `json:"model_id,omitempty"`
	WebSearch bool   `json:"web_search,omitempty"`
}

// Sorter classifies messages with the model bound to the SORT capability.
// It degrades instead of failing: any call or parse problem returns the
// topic and language the message already carried.
type Sorter struct {
	provider GenerationProvider
	prompts  PromptSource
	binder   ModelBinder
	logger   *slog.Logger
}

// NewSorter creates the AI sorting classifier.
func NewSorter(provider GenerationProvider, prompts PromptSource, binder ModelBinder, logger *slog.Logger) *Sorter {
	return &Sorter{
		provider: provider,
		prompts:  prompts,
		binder:   binder,
		logger:   logger.With("component", "sorter"),
	}
}

// Sort classifies a message given its conversation history.
func (s *Sorter) Sort(ctx context.Context, msg *store.Message, history []*store.Message, userID int64) (SortOutcome, error) {
	fallback := SortOutcome{Topic: msg.Topic, Language: msg.Language}

	system, err := s.buildSystemPrompt(userID, msg.Language)
	if err != nil {
		s.logger.Warn("sorting prompt unavailable", "error", err)
		return fallback, nil
	}

	messages := s.buildMessages(system, msg, history)

	temp := float64(sorterTemperature)
	maxTok := sorterMaxTokens
	opts := ChatOptions{Temperature: &temp, MaxTokens: &maxTok}
	if modelID := s.binder.DefaultModel(store.CapabilitySort, userID); modelID > 0 {
		opts.Provider = s.binder.ProviderFor(modelID)
		opts.Model = s.binder.ModelNameFor(modelID)
	}

	start := time.Now()
	result, err := s.provider.Chat(ctx, messages, userID, opts)
	if err != nil {
		s.logger.Warn("sorting call failed", "message", msg.ID, "error", err)
		return fallback, nil
	}

	var parsed sorterResponse
	if err := json.Unmarshal([]byte(stripCodeFences(result.Content)), &parsed); err != nil {
		s.logger.Warn("sorting response not parseable",
			"message", msg.ID,
			"content", truncate(result.Content, 120),
			"error", err,
		)
		return fallback, nil
	}

	outcome := SortOutcome{
		Topic:     strings.TrimSpace(parsed.Topic),
		Language:  strings.TrimSpace(parsed.Language),
		WebSearch: parsed.WebSearch,
	}
	if parsed.ModelID > 0 {
		if m, err := s.binder.ModelByID(parsed.ModelID); err == nil {
			outcome.ModelID = m.ID
			outcome.Provider = m.Provider
			outcome.ModelName = m.Name
		}
	}

	s.logger.Debug("message sorted",
		"message", msg.ID,
		"topic", outcome.Topic,
		"language", outcome.Language,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome, nil
}

// buildSystemPrompt fills the sorting template with the topic catalog and
// language list.
func (s *Sorter) buildSystemPrompt(userID int64, language string) (string, error) {
	template := defaultSortingTemplate
	if tmpl, err := s.prompts.FindByTopic(store.TopicSorting, userID, language); err == nil {
		template = tmpl.Text
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	topics, err := s.prompts.ListTopics(true)
	if err != nil {
		return "", fmt.Errorf("list topics: %w", err)
	}
	if len(topics) == 0 {
		topics = []store.TopicInfo{{Key: store.TopicGeneral, Description: "General conversation"}}
	}

	var list strings.Builder
	keys := make([]string, 0, len(topics))
	for i, t := range topics {
		desc := t.Description
		if desc == "" {
			desc = t.Key
		}
		fmt.Fprintf(&list, "%d. %s — %s\n", i+1, t.Key, desc)
		keys = append(keys, `"`+t.Key+`"`)
	}

	filled := strings.ReplaceAll(template, "{{TOPICS}}", strings.TrimRight(list.String(), "\n"))
	filled = strings.ReplaceAll(filled, "{{TOPIC_KEYS}}", strings.Join(keys, "|"))
	filled = strings.ReplaceAll(filled, "{{LANGUAGES}}", `"`+strings.Join(supportedLanguages, `"|"`)+`"`)
	return filled, nil
}

// buildMessages serializes trimmed history plus the current message as a
// compact structured record.
func (s *Sorter) buildMessages(system string, msg *store.Message, history []*store.Message) []ChatMessage {
	messages := []ChatMessage{{Role: "system", Content: system}}

	if len(history) > sorterHistoryLen {
		history = history[len(history)-sorterHistoryLen:]
	}
	for _, h := range history {
		switch h.Direction {
		case store.DirectionIn:
			content := h.Text
			if h.FileText != "" {
				content += "\n[file excerpt] " + truncate(h.FileText, sorterFileCap)
			}
			messages = append(messages, ChatMessage{Role: "user", Content: content})
		case store.DirectionOut:
			messages = append(messages, ChatMessage{
				Role:    "assistant",
				Content: "[" + h.ID + "] " + truncate(h.Text, sorterOutCap),
			})
		}
	}

	messages = append(messages, ChatMessage{Role: "user", Content: serializeMessage(msg)})
	return messages
}

// serializeMessage renders the current message as one compact record.
func serializeMessage(msg *store.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ts=%s", msg.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, " file=%s type=%s", dash(msg.FilePath), dash(msg.FileType))
	fmt.Fprintf(&sb, " topic=%s lang=%s", dash(msg.Topic), dash(msg.Language))
	fmt.Fprintf(&sb, "\ntext: %s", msg.Text)
	if msg.FileText != "" {
		fmt.Fprintf(&sb, "\nfile_text: %s", truncate(msg.FileText, sorterFileCap))
	}
	return sb.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// stripCodeFences removes an optional ```json ... ``` wrapper.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
