package engine

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/castilho/inferoute/pkg/inferoute/store"
)

// Intent selects which handler serves a classified message. It is a closed
// set: the router's registry is keyed by these values only.
type Intent int

const (
	IntentChat Intent = iota
	IntentMediaGeneration
)

func (i Intent) String() string {
	switch i {
	case IntentMediaGeneration:
		return "media_generation"
	default:
		return "chat"
	}
}

// ClassificationSource identifies which tier of the precedence chain
// produced a classification. Exactly one source applies per run.
type ClassificationSource string

const (
	SourceOverride    ClassificationSource = "override"
	SourceToolCommand ClassificationSource = "tool_command"
	SourceAISorting   ClassificationSource = "ai_sorting"
)

// Classification is the per-run outcome of the precedence chain. It is
// ephemeral; persistence happens through Message fields and overrides.
type Classification struct {
	Topic       string
	Language    string
	Source      ClassificationSource
	SkipSorting bool

	// ModelID is an explicit user model choice (persisted override),
	// the strongest model-resolution source.
	ModelID int64

	// OverrideModelID is the model the AI sorter suggested, consulted
	// after the topic template's preferred model.
	OverrideModelID int64

	Provider  string
	ModelName string

	WebSearch     bool
	SearchResults []SearchResult
}

// Intent derives the routing key from the topic. Unknown topics route to
// chat.
func (c Classification) Intent() Intent {
	switch c.Topic {
	case "tools:pic", "tools:vid":
		return IntentMediaGeneration
	default:
		return IntentChat
	}
}

// toolCommand maps a slash-command prefix to its topic. The table order is
// the match priority; the first matching prefix wins.
type toolCommand struct {
	Prefix string
	Topic  string
}

// toolCommands is the fixed command table.
var toolCommands = []toolCommand{
	{"/pic", "tools:pic"},
	{"/vid", "tools:vid"},
	{"/search", "tools:search"},
	{"/lang", "tools:lang"},
	{"/web", "tools:web"},
	{"/list", "tools:list"},
	{"/docs", "tools:filesort"},
}

// OverrideReader reads persisted per-message overrides.
type OverrideReader interface {
	Get(messageID, key string) (string, bool, error)
}

// TopicSorter is the AI classification fallback.
type TopicSorter interface {
	Sort(ctx context.Context, msg *store.Message, history []*store.Message, userID int64) (SortOutcome, error)
}

// Classifier applies the three-tier precedence chain: persisted override,
// slash command, AI sorting. It never fails; sorting errors degrade to the
// safe default.
type Classifier struct {
	overrides OverrideReader
	sorter    TopicSorter
	logger    *slog.Logger
}

// NewClassifier creates the classification layer.
func NewClassifier(overrides OverrideReader, sorter TopicSorter, logger *slog.Logger) *Classifier {
	return &Classifier{
		overrides: overrides,
		sorter:    sorter,
		logger:    logger.With("component", "classifier"),
	}
}

// Classify resolves topic and language for a message.
func (c *Classifier) Classify(ctx context.Context, msg *store.Message, history []*store.Message) Classification {
	// 1. Persisted override (strongest).
	if cls, ok := c.fromOverride(msg); ok {
		c.logger.Debug("classified by override", "message", msg.ID, "topic", cls.Topic, "model", cls.ModelID)
		return cls
	}

	// 2. Slash command.
	if cls, ok := c.fromCommand(msg); ok {
		c.logger.Debug("classified by command", "message", msg.ID, "topic", cls.Topic)
		return cls
	}

	// 3. AI sorting.
	return c.fromSorting(ctx, msg, history)
}

func (c *Classifier) fromOverride(msg *store.Message) (Classification, bool) {
	topic, ok, err := c.overrides.Get(msg.ID, store.OverrideKeyPromptID)
	if err != nil {
		c.logger.Warn("override lookup failed", "message", msg.ID, "error", err)
		return Classification{}, false
	}
	// The sorting prompt is internal; an override pointing at it means
	// "no usable override".
	if !ok || topic == store.TopicSorting {
		return Classification{}, false
	}

	cls := Classification{
		Topic:       topic,
		Language:    defaultLanguage(msg.Language),
		Source:      SourceOverride,
		SkipSorting: true,
	}
	if raw, ok, err := c.overrides.Get(msg.ID, store.OverrideKeyModelID); err == nil && ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			cls.ModelID = id
		}
	}
	return cls, true
}

func (c *Classifier) fromCommand(msg *store.Message) (Classification, bool) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return Classification{}, false
	}
	for _, cmd := range toolCommands {
		if strings.HasPrefix(text, cmd.Prefix) {
			return Classification{
				Topic:       cmd.Topic,
				Language:    defaultLanguage(msg.Language),
				Source:      SourceToolCommand,
				SkipSorting: true,
				WebSearch:   cmd.Topic == "tools:search" || cmd.Topic == "tools:web",
			}, true
		}
	}
	return Classification{}, false
}

func (c *Classifier) fromSorting(ctx context.Context, msg *store.Message, history []*store.Message) Classification {
	cls := Classification{
		Topic:    store.TopicGeneral,
		Language: defaultLanguage(msg.Language),
		Source:   SourceAISorting,
	}
	if msg.Topic != "" {
		cls.Topic = msg.Topic
	}

	outcome, err := c.sorter.Sort(ctx, msg, history, msg.OwnerID)
	if err != nil {
		// Sorting failures degrade, never surface.
		c.logger.Warn("ai sorting failed, using defaults",
			"message", msg.ID, "topic", cls.Topic, "error", err)
		return cls
	}

	if outcome.Topic != "" {
		cls.Topic = outcome.Topic
	}
	if outcome.Language != "" {
		cls.Language = outcome.Language
	}
	cls.OverrideModelID = outcome.ModelID
	cls.Provider = outcome.Provider
	cls.ModelName = outcome.ModelName
	cls.WebSearch = cls.WebSearch || outcome.WebSearch
	return cls
}

func defaultLanguage(lang string) string {
	if lang == "" {
		return "en"
	}
	return lang
}
