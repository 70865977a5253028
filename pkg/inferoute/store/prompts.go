package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// TopicSorting is the internal topic holding the AI-sorting system prompt.
// It is never a valid classification target.
const TopicSorting = "sorting"

// TopicGeneral is the default conversation topic.
const TopicGeneral = "general"

// PromptTemplate is a topic-scoped system prompt. AIModel, when > 0, names
// a preferred model for conversations under this topic.
type PromptTemplate struct {
	ID          int64
	Topic       string
	OwnerID     int64
	Language    string
	Text        string
	Description string
	AIModel     int64
	Internal    bool
}

// TopicInfo is a topic key plus its short human-readable description,
// used to enumerate classification targets.
type TopicInfo struct {
	Key         string
	Description string
}

// PromptStore persists prompt templates.
type PromptStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPromptStore creates a prompt store on an open database.
func NewPromptStore(db *sql.DB, logger *slog.Logger) *PromptStore {
	return &PromptStore{db: db, logger: logger.With("component", "prompts")}
}

// Save inserts or updates a template keyed by (topic, owner, language).
func (s *PromptStore) Save(t *PromptTemplate) error {
	if t.Language == "" {
		t.Language = "en"
	}
	res, err := s.db.Exec(`
		INSERT INTO prompt_templates (topic, owner_id, language, text, description, ai_model, internal)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic, owner_id, language) DO UPDATE SET
			text = excluded.text, description = excluded.description,
			ai_model = excluded.ai_model, internal = excluded.internal`,
		t.Topic, t.OwnerID, t.Language, t.Text, t.Description, t.AIModel, boolInt(t.Internal))
	if err != nil {
		return fmt.Errorf("save template %s: %w", t.Topic, err)
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		t.ID = id
	}
	return nil
}

// FindByTopic looks up the template for a topic. A user-scoped template
// wins; otherwise the global one (owner 0) is returned. Language falls back
// to "en" before giving up. Returns ErrNotFound when no template exists.
func (s *PromptStore) FindByTopic(topic string, ownerID int64, language string) (*PromptTemplate, error) {
	if language == "" {
		language = "en"
	}
	langs := []string{language}
	if language != "en" {
		langs = append(langs, "en")
	}
	for _, lang := range langs {
		for _, owner := range []int64{ownerID, 0} {
			t, err := s.find(topic, owner, lang)
			if err == nil {
				return t, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			if owner == 0 {
				break
			}
		}
	}
	return nil, ErrNotFound
}

func (s *PromptStore) find(topic string, ownerID int64, language string) (*PromptTemplate, error) {
	var (
		t        PromptTemplate
		internal int
	)
	err := s.db.QueryRow(`
		SELECT id, topic, owner_id, language, text, description, ai_model, internal
		FROM prompt_templates WHERE topic = ? AND owner_id = ? AND language = ?`,
		topic, ownerID, language).
		Scan(&t.ID, &t.Topic, &t.OwnerID, &t.Language, &t.Text, &t.Description, &t.AIModel, &internal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find template %s: %w", topic, err)
	}
	t.Internal = internal != 0
	return &t, nil
}

// ListTopics enumerates distinct global topics with descriptions.
// Internal topics (the sorting prompt, tool topics) are excluded when
// excludeInternal is set.
func (s *PromptStore) ListTopics(excludeInternal bool) ([]TopicInfo, error) {
	query := `
		SELECT topic, MAX(description) FROM prompt_templates
		WHERE owner_id = 0`
	if excludeInternal {
		query += ` AND internal = 0 AND topic NOT LIKE 'tools:%'`
	}
	query += ` GROUP BY topic ORDER BY topic`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var topics []TopicInfo
	for rows.Next() {
		var ti TopicInfo
		if err := rows.Scan(&ti.Key, &ti.Description); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, ti)
	}
	return topics, rows.Err()
}
