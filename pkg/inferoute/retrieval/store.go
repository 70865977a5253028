package retrieval

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver with optional FTS5.
)

// Result is one ranked retrieval hit.
type Result struct {
	ChunkText string
	Source    string
	Score     float64
}

// Chunk is a unit of indexable text.
type Chunk struct {
	Text   string
	Source string
}

// Store is a SQLite-backed retrieval index. Chunks are scoped by
// (owner, group key); searches never cross group boundaries.
type Store struct {
	db       *sql.DB
	embedder EmbeddingProvider
	logger   *slog.Logger

	// ftsAvailable is false on SQLite builds without FTS5; keyword search
	// then degrades to LIKE matching.
	ftsAvailable bool

	cacheMu sync.RWMutex
	cache   []cacheEntry
}

type cacheEntry struct {
	chunkID   int64
	ownerID   int64
	groupKey  string
	source    string
	text      string
	embedding []float32
}

// NewStore initializes the retrieval tables on an open database.
func NewStore(db *sql.DB, embedder EmbeddingProvider, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, embedder: embedder, logger: logger.With("component", "retrieval")}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init retrieval schema: %w", err)
	}
	if err := s.refreshCache(); err != nil {
		s.logger.Warn("failed to load vector cache", "error", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	core := `
		CREATE TABLE IF NOT EXISTS retrieval_chunks (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id  INTEGER NOT NULL,
			group_key TEXT NOT NULL,
			source    TEXT NOT NULL DEFAULT '',
			text      TEXT NOT NULL,
			hash      TEXT NOT NULL,
			embedding TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (owner_id, group_key, hash)
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_group ON retrieval_chunks(owner_id, group_key);
	`
	if _, err := s.db.Exec(core); err != nil {
		return err
	}

	fts := `
		CREATE VIRTUAL TABLE IF NOT EXISTS retrieval_fts USING fts5(
			text,
			content='retrieval_chunks',
			content_rowid='id',
			tokenize='porter unicode61'
		);
		CREATE TRIGGER IF NOT EXISTS retrieval_ai AFTER INSERT ON retrieval_chunks BEGIN
			INSERT INTO retrieval_fts(rowid, text) VALUES (new.id, new.text);
		END;
		CREATE TRIGGER IF NOT EXISTS retrieval_ad AFTER DELETE ON retrieval_chunks BEGIN
			INSERT INTO retrieval_fts(retrieval_fts, rowid, text) VALUES('delete', old.id, old.text);
		END;
	`
	if _, err := s.db.Exec(fts); err != nil {
		s.ftsAvailable = false
		s.logger.Warn("FTS5 not available, keyword search uses LIKE", "error", err.Error())
	} else {
		s.ftsAvailable = true
	}
	return nil
}

// Index stores chunks under a group key. Unchanged chunks (same hash) are
// kept; new ones are embedded and inserted.
func (s *Store) Index(ctx context.Context, ownerID int64, groupKey string, chunks []Chunk) error {
	var (
		newTexts  []string
		newChunks []Chunk
		hashes    []string
	)
	for _, ch := range chunks {
		h := textHash(ch.Text)
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM retrieval_chunks WHERE owner_id = ? AND group_key = ? AND hash = ?`,
			ownerID, groupKey, h).Scan(&exists)
		if err == nil {
			continue
		}
		newChunks = append(newChunks, ch)
		newTexts = append(newTexts, ch.Text)
		hashes = append(hashes, h)
	}
	if len(newChunks) == 0 {
		return nil
	}

	embeddings, err := s.embedder.Embed(ctx, newTexts)
	if err != nil {
		s.logger.Warn("embedding failed, indexing without vectors", "error", err)
		embeddings = make([][]float32, len(newTexts))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, ch := range newChunks {
		var embJSON sql.NullString
		if i < len(embeddings) && embeddings[i] != nil {
			data, _ := json.Marshal(embeddings[i])
			embJSON = sql.NullString{String: string(data), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO retrieval_chunks (owner_id, group_key, source, text, hash, embedding)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ownerID, groupKey, ch.Source, ch.Text, hashes[i], embJSON)
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.refreshCache()
}

// SemanticSearch returns the best-matching chunks for a query within a
// group key, highest score first. Results below minScore are dropped.
// Chunks indexed under owner 0 are shared and visible to every owner.
func (s *Store) SemanticSearch(ctx context.Context, query string, ownerID int64, groupKey string, limit int, minScore float64) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}

	scored := map[int64]*Result{}

	// Vector pass over the in-memory cache.
	if vecs, err := s.embedder.Embed(ctx, []string{query}); err == nil && len(vecs) == 1 {
		s.cacheMu.RLock()
		for _, e := range s.cache {
			if (e.ownerID != ownerID && e.ownerID != 0) || e.groupKey != groupKey || len(e.embedding) == 0 {
				continue
			}
			score := cosineSimilarity(vecs[0], e.embedding)
			if score <= 0 {
				continue
			}
			scored[e.chunkID] = &Result{ChunkText: e.text, Source: e.source, Score: score}
		}
		s.cacheMu.RUnlock()
	} else if err != nil {
		s.logger.Debug("query embedding failed, keyword-only search", "error", err)
	}

	// Keyword pass; boosts chunks found by both strategies.
	for _, kw := range s.keywordSearch(ctx, query, ownerID, groupKey, limit*2) {
		if r, ok := scored[kw.chunkID]; ok {
			r.Score = r.Score*0.7 + kw.score*0.3
		} else {
			scored[kw.chunkID] = &Result{ChunkText: kw.text, Source: kw.source, Score: kw.score * 0.3}
		}
	}

	results := make([]Result, 0, len(scored))
	for _, r := range scored {
		if r.Score >= minScore {
			results = append(results, *r)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

type keywordHit struct {
	chunkID int64
	text    string
	source  string
	score   float64
}

func (s *Store) keywordSearch(ctx context.Context, query string, ownerID int64, groupKey string, limit int) []keywordHit {
	if s.ftsAvailable {
		if hits := s.ftsSearch(ctx, query, ownerID, groupKey, limit); hits != nil {
			return hits
		}
	}
	return s.likeSearch(ctx, query, ownerID, groupKey, limit)
}

func (s *Store) ftsSearch(ctx context.Context, query string, ownerID int64, groupKey string, limit int) []keywordHit {
	safe := sanitizeFTSQuery(query)
	if safe == "" {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.text, c.source, bm25(retrieval_fts)
		FROM retrieval_fts f
		JOIN retrieval_chunks c ON c.id = f.rowid
		WHERE retrieval_fts MATCH ? AND (c.owner_id = ? OR c.owner_id = 0) AND c.group_key = ?
		ORDER BY bm25(retrieval_fts)
		LIMIT ?`, safe, ownerID, groupKey, limit)
	if err != nil {
		s.logger.Debug("fts query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var (
			h    keywordHit
			bm25 float64
		)
		if err := rows.Scan(&h.chunkID, &h.text, &h.source, &bm25); err != nil {
			continue
		}
		// bm25() returns lower-is-better negative scores; fold into (0,1].
		h.score = 1.0 / (1.0 - bm25)
		hits = append(hits, h)
	}
	return hits
}

func (s *Store) likeSearch(ctx context.Context, query string, ownerID int64, groupKey string, limit int) []keywordHit {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, source FROM retrieval_chunks
		WHERE (owner_id = ? OR owner_id = 0) AND group_key = ?`, ownerID, groupKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var h keywordHit
		if err := rows.Scan(&h.chunkID, &h.text, &h.source); err != nil {
			continue
		}
		lower := strings.ToLower(h.text)
		matched := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		h.score = float64(matched) / float64(len(words))
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (s *Store) refreshCache() error {
	rows, err := s.db.Query(`SELECT id, owner_id, group_key, source, text, embedding FROM retrieval_chunks`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var cache []cacheEntry
	for rows.Next() {
		var (
			e   cacheEntry
			emb sql.NullString
		)
		if err := rows.Scan(&e.chunkID, &e.ownerID, &e.groupKey, &e.source, &e.text, &emb); err != nil {
			continue
		}
		if emb.Valid {
			_ = json.Unmarshal([]byte(emb.String), &e.embedding)
		}
		cache = append(cache, e)
	}

	s.cacheMu.Lock()
	s.cache = cache
	s.cacheMu.Unlock()
	return rows.Err()
}

// sanitizeFTSQuery strips FTS5 operators and quotes each token.
func sanitizeFTSQuery(query string) string {
	words := strings.Fields(query)
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Map(func(r rune) rune {
			switch r {
			case '"', '\'', '*', '(', ')', ':', '^', '-':
				return -1
			}
			return r
		}, w)
		if w != "" {
			quoted = append(quoted, `"`+w+`"`)
		}
	}
	return strings.Join(quoted, " OR ")
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
