package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Direction marks a message as inbound (user) or outbound (assistant).
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Status tracks pipeline progress for a message.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Well-known override keys. PROMPTID forces a topic, MODEL_ID forces a model;
// both bypass AI sorting for the message they are attached to.
const (
	OverrideKeyPromptID = "PROMPTID"
	OverrideKeyModelID  = "MODEL_ID"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Message is one inbound or outbound chat message. An inbound message and
// its reply share a TrackingID, as do all reprocessing attempts of the
// same exchange.
type Message struct {
	ID             string
	OwnerID        int64
	ConversationID string
	TrackingID     string
	Direction      Direction
	Text           string
	FileText       string
	FilePath       string
	FileType       string
	Topic          string
	Language       string
	Status         Status
	Provider       string
	Model          string
	CreatedAt      time.Time
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string { return uuid.NewString() }

// NewTrackingID returns a fresh exchange tracking identifier.
func NewTrackingID() string { return uuid.NewString() }

// MessageStore persists messages.
type MessageStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMessageStore creates a message store on an open database.
func NewMessageStore(db *sql.DB, logger *slog.Logger) *MessageStore {
	return &MessageStore{db: db, logger: logger.With("component", "messages")}
}

// Create inserts a message. Missing ID/TrackingID/CreatedAt are filled in.
func (s *MessageStore) Create(m *Message) error {
	if m.ID == "" {
		m.ID = NewMessageID()
	}
	if m.TrackingID == "" {
		m.TrackingID = NewTrackingID()
	}
	if m.Status == "" {
		m.Status = StatusProcessing
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, owner_id, conv_id, tracking_id, direction, text,
			file_text, file_path, file_type, topic, language, status, provider, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerID, m.ConversationID, m.TrackingID, string(m.Direction), m.Text,
		m.FileText, m.FilePath, m.FileType, m.Topic, m.Language, string(m.Status),
		m.Provider, m.Model, m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Get loads a message by id.
func (s *MessageStore) Get(id string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_id, conv_id, tracking_id, direction, text, file_text,
			file_path, file_type, topic, language, status, provider, model, created_at
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// Update persists the mutable pipeline fields of a message.
func (s *MessageStore) Update(m *Message) error {
	res, err := s.db.Exec(`
		UPDATE messages SET topic = ?, language = ?, status = ?, provider = ?, model = ?,
			text = ?, file_path = ?, file_type = ?
		WHERE id = ?`,
		m.Topic, m.Language, string(m.Status), m.Provider, m.Model,
		m.Text, m.FilePath, m.FileType, m.ID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update message %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

// Thread returns the most recent messages of a conversation, oldest first,
// excluding the message identified by excludeID.
func (s *MessageStore) Thread(conversationID, excludeID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, owner_id, conv_id, tracking_id, direction, text, file_text,
			file_path, file_type, topic, language, status, provider, model, created_at
		FROM messages
		WHERE conv_id = ? AND id != ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m         Message
		dir       string
		status    string
		createdAt string
	)
	err := row.Scan(&m.ID, &m.OwnerID, &m.ConversationID, &m.TrackingID, &dir,
		&m.Text, &m.FileText, &m.FilePath, &m.FileType, &m.Topic, &m.Language,
		&status, &m.Provider, &m.Model, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Direction = Direction(dir)
	m.Status = Status(status)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &m, nil
}

// OverrideStore persists per-message key/value overrides. Written once by
// the reprocessing flow, read back by classification on the next run.
type OverrideStore struct {
	db *sql.DB
}

// NewOverrideStore creates an override store on an open database.
func NewOverrideStore(db *sql.DB) *OverrideStore {
	return &OverrideStore{db: db}
}

// Set writes an override value for a message. Last write wins.
func (s *OverrideStore) Set(messageID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO message_overrides (message_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(message_id, key) DO UPDATE SET value = excluded.value`,
		messageID, key, value)
	if err != nil {
		return fmt.Errorf("set override %s/%s: %w", messageID, key, err)
	}
	return nil
}

// Get reads an override value. The second return is false when absent.
func (s *OverrideStore) Get(messageID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM message_overrides WHERE message_id = ? AND key = ?`,
		messageID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get override %s/%s: %w", messageID, key, err)
	}
	return value, true, nil
}
