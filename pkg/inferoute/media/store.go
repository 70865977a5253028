// Package media stores generated assets (images, thumbnails) on the local
// filesystem. Large media (video, audio) is referenced by remote URL and
// never lands here.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type categorizes a stored or referenced asset.
type Type string

const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
	TypeAudio Type = "audio"
)

// ErrTooLarge is returned when an asset exceeds the configured size limit.
var ErrTooLarge = errors.New("asset exceeds max size")

// Asset is persisted metadata for one stored file.
type Asset struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Type      Type      `json:"type"`
	Size      int64     `json:"size"`
	SourceURL string    `json:"source_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// StoreConfig configures the filesystem store.
type StoreConfig struct {
	BaseDir     string        `yaml:"base_dir"`
	MaxFileSize int64         `yaml:"max_file_size"`
	TTL         time.Duration `yaml:"ttl"`
}

// DefaultStoreConfig returns reasonable defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		BaseDir:     "./data/media",
		MaxFileSize: 20 * 1024 * 1024,
	}
}

// Store writes assets to disk with a JSON metadata sidecar per asset.
type Store struct {
	cfg    StoreConfig
	logger *slog.Logger
	client *http.Client

	mu   sync.RWMutex
	meta map[string]*Asset
}

// NewStore creates the base directory and loads existing metadata.
func NewStore(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg.BaseDir == "" {
		cfg.BaseDir = DefaultStoreConfig().BaseDir
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultStoreConfig().MaxFileSize
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	s := &Store{
		cfg:    cfg,
		logger: logger.With("component", "media"),
		client: &http.Client{Timeout: 60 * time.Second},
		meta:   make(map[string]*Asset),
	}
	s.loadMetadata()
	return s, nil
}

// Save writes asset bytes plus metadata and returns the stored asset.
func (s *Store) Save(data []byte, filename, mimeType string, typ Type) (*Asset, error) {
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	id := uuid.NewString()
	ext := filepath.Ext(filename)
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			ext = exts[0]
		}
	}

	asset := &Asset{
		ID:        id,
		Filename:  id + ext,
		MimeType:  mimeType,
		Type:      typ,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	if s.cfg.TTL > 0 {
		asset.ExpiresAt = asset.CreatedAt.Add(s.cfg.TTL)
	}

	if err := os.WriteFile(s.Path(asset), data, 0o644); err != nil {
		return nil, fmt.Errorf("write asset: %w", err)
	}
	if err := s.writeMetadata(asset); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.meta[id] = asset
	s.mu.Unlock()

	s.logger.Debug("asset saved", "id", id, "type", typ, "size", asset.Size)
	return asset, nil
}

// Download fetches a remote asset and stores it locally.
func (s *Store) Download(ctx context.Context, url string, typ Type) (*Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download asset: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read asset body: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: remote asset", ErrTooLarge)
	}

	mimeType := resp.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}

	asset, err := s.Save(data, filepath.Base(req.URL.Path), mimeType, typ)
	if err != nil {
		return nil, err
	}
	asset.SourceURL = url
	_ = s.writeMetadata(asset)
	return asset, nil
}

// Get returns metadata for an asset id.
func (s *Store) Get(id string) (*Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.meta[id]
	return a, ok
}

// Path returns the on-disk location of an asset.
func (s *Store) Path(a *Asset) string {
	return filepath.Join(s.cfg.BaseDir, a.Filename)
}

// DeleteExpired removes assets past their expiry. Returns how many were
// removed. Used by the queue sweeper.
func (s *Store) DeleteExpired() int {
	now := time.Now().UTC()

	s.mu.Lock()
	var expired []*Asset
	for id, a := range s.meta {
		if !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now) {
			expired = append(expired, a)
			delete(s.meta, id)
		}
	}
	s.mu.Unlock()

	for _, a := range expired {
		_ = os.Remove(s.Path(a))
		_ = os.Remove(s.metaPath(a.ID))
	}
	if len(expired) > 0 {
		s.logger.Info("expired assets removed", "count", len(expired))
	}
	return len(expired)
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.cfg.BaseDir, id+".json")
}

func (s *Store) writeMetadata(a *Asset) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal asset meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(a.ID), data, 0o644); err != nil {
		return fmt.Errorf("write asset meta: %w", err)
	}
	return nil
}

func (s *Store) loadMetadata() {
	entries, err := os.ReadDir(s.cfg.BaseDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.BaseDir, e.Name()))
		if err != nil {
			continue
		}
		var a Asset
		if err := json.Unmarshal(data, &a); err != nil || a.ID == "" {
			continue
		}
		s.meta[a.ID] = &a
	}
	if len(s.meta) > 0 {
		s.logger.Debug("asset metadata loaded", "count", len(s.meta))
	}
}
