package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Capability tags classify catalog models by function.
const (
	CapabilityChat      = "CHAT"
	CapabilitySort      = "SORT"
	CapabilityVectorize = "VECTORIZE"
	CapabilityImage     = "IMAGE"
	CapabilityVideo     = "VIDEO"
	CapabilityAudio     = "AUDIO"
)

// Model feature flags.
const (
	FeatureStreaming    = "streaming"
	FeatureNoSystemRole = "no_system_role"
)

// Model is one catalog entry. A binding resolved from it is only valid for
// the capability it was requested under.
type Model struct {
	ID         int64
	Name       string
	Provider   string
	Capability string
	Quality    int
	Rating     int
	Selectable bool
	Features   []string
}

// HasFeature reports whether the model carries a feature flag.
func (m *Model) HasFeature(name string) bool {
	for _, f := range m.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Catalog resolves capability tags to concrete models and answers
// model-attribute lookups (provider, name, features).
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCatalog creates a catalog on an open database.
func NewCatalog(db *sql.DB, logger *slog.Logger) *Catalog {
	return &Catalog{db: db, logger: logger.With("component", "catalog")}
}

// Upsert inserts or updates a model by (name, provider, capability).
// Used by config sync at startup.
func (c *Catalog) Upsert(m *Model) error {
	var id int64
	err := c.db.QueryRow(`SELECT id FROM models WHERE name = ? AND provider = ? AND capability = ?`,
		m.Name, m.Provider, m.Capability).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := c.db.Exec(`
			INSERT INTO models (name, provider, capability, quality, rating, selectable, features)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.Name, m.Provider, m.Capability, m.Quality, m.Rating, boolInt(m.Selectable), strings.Join(m.Features, ","))
		if err != nil {
			return fmt.Errorf("insert model %s: %w", m.Name, err)
		}
		m.ID, _ = res.LastInsertId()
		return nil
	case err != nil:
		return fmt.Errorf("lookup model %s: %w", m.Name, err)
	}
	m.ID = id
	_, err = c.db.Exec(`
		UPDATE models SET quality = ?, rating = ?, selectable = ?, features = ? WHERE id = ?`,
		m.Quality, m.Rating, boolInt(m.Selectable), strings.Join(m.Features, ","), id)
	if err != nil {
		return fmt.Errorf("update model %s: %w", m.Name, err)
	}
	return nil
}

// ModelByID loads a single model.
func (c *Catalog) ModelByID(id int64) (*Model, error) {
	row := c.db.QueryRow(`
		SELECT id, name, provider, capability, quality, rating, selectable, features
		FROM models WHERE id = ?`, id)
	return scanModel(row)
}

// DefaultModel returns the model id bound to a capability for a user.
// Resolution: the user's configured default, then the system default
// (owner 0), then the best selectable model for the capability.
// Returns 0 when nothing is configured at all.
func (c *Catalog) DefaultModel(capability string, ownerID int64) int64 {
	for _, owner := range []int64{ownerID, 0} {
		var id int64
		err := c.db.QueryRow(`SELECT model_id FROM model_defaults WHERE owner_id = ? AND capability = ?`,
			owner, capability).Scan(&id)
		if err == nil && id > 0 {
			return id
		}
	}

	models, err := c.EligibleModels(capability, 0)
	if err != nil || len(models) == 0 {
		return 0
	}
	return models[0].ID
}

// SetDefault binds a capability to a model for an owner (0 = system-wide).
func (c *Catalog) SetDefault(ownerID int64, capability string, modelID int64) error {
	_, err := c.db.Exec(`
		INSERT INTO model_defaults (owner_id, capability, model_id) VALUES (?, ?, ?)
		ON CONFLICT(owner_id, capability) DO UPDATE SET model_id = excluded.model_id`,
		ownerID, capability, modelID)
	if err != nil {
		return fmt.Errorf("set default %s: %w", capability, err)
	}
	return nil
}

// ProviderFor returns the provider name for a model id, or "" if unknown.
func (c *Catalog) ProviderFor(modelID int64) string {
	m, err := c.ModelByID(modelID)
	if err != nil {
		return ""
	}
	return m.Provider
}

// ModelNameFor returns the model name for a model id, or "" if unknown.
func (c *Catalog) ModelNameFor(modelID int64) string {
	m, err := c.ModelByID(modelID)
	if err != nil {
		return ""
	}
	return m.Name
}

// FeaturesFor returns the feature flags for a model id.
func (c *Catalog) FeaturesFor(modelID int64) []string {
	m, err := c.ModelByID(modelID)
	if err != nil {
		return nil
	}
	return m.Features
}

// EligibleModels returns all selectable models for a capability, best
// quality first, ties broken by ascending id. minRating 0 means no filter.
func (c *Catalog) EligibleModels(capability string, minRating int) ([]Model, error) {
	rows, err := c.db.Query(`
		SELECT id, name, provider, capability, quality, rating, selectable, features
		FROM models
		WHERE capability = ? AND selectable = 1 AND rating >= ?
		ORDER BY quality DESC, id ASC`, capability, minRating)
	if err != nil {
		return nil, fmt.Errorf("list models %s: %w", capability, err)
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, *m)
	}
	return models, rows.Err()
}

// PredictedNext returns the cyclic successor of currentID within an ordered
// model list: the first model when currentID is 0 or not present, the
// following model otherwise, wrapping to the first after the last.
// Returns nil for an empty list.
func PredictedNext(models []Model, currentID int64) *Model {
	if len(models) == 0 {
		return nil
	}
	if currentID == 0 {
		return &models[0]
	}
	for i := range models {
		if models[i].ID == currentID {
			return &models[(i+1)%len(models)]
		}
	}
	return &models[0]
}

func scanModel(row rowScanner) (*Model, error) {
	var (
		m          Model
		selectable int
		features   string
	)
	err := row.Scan(&m.ID, &m.Name, &m.Provider, &m.Capability, &m.Quality,
		&m.Rating, &selectable, &features)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan model: %w", err)
	}
	m.Selectable = selectable != 0
	if features != "" {
		m.Features = strings.Split(features, ",")
	}
	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
