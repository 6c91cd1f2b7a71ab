package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultJudgeCacheEntries bounds the judge cache when no limit is configured.
const DefaultJudgeCacheEntries = 10000

// JudgeCacheEntry is a cached, already validated judge response.
type JudgeCacheEntry struct {
	Response string
	Model    string
}

// JudgeCache stores judge responses keyed by transcript hash, rubric hash and
// model. When more than maxEntries rows exist the oldest are evicted.
type JudgeCache struct {
	db         *sql.DB
	maxEntries int
}

// JudgeContentHash hashes the judged transcript text.
func JudgeContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// NewJudgeCache opens (or creates) a judge cache at dbPath.
func NewJudgeCache(dbPath string, maxEntries int) (*JudgeCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultJudgeCacheEntries
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS judge_cache (
			content_hash TEXT    NOT NULL,
			rubric_hash  TEXT    NOT NULL,
			model        TEXT    NOT NULL,
			response     TEXT    NOT NULL,
			created_at   INTEGER NOT NULL,
			PRIMARY KEY (content_hash, rubric_hash, model)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create judge_cache table: %w", err)
	}
	return &JudgeCache{db: db, maxEntries: maxEntries}, nil
}

// Get returns the cached entry, or nil when absent.
func (c *JudgeCache) Get(contentHash, rubricHash, model string) (*JudgeCacheEntry, error) {
	var resp string
	err := c.db.QueryRow(
		`SELECT response FROM judge_cache WHERE content_hash = ? AND rubric_hash = ? AND model = ?`,
		contentHash, rubricHash, model,
	).Scan(&resp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("judge cache get: %w", err)
	}
	return &JudgeCacheEntry{Response: resp, Model: model}, nil
}

// Put stores entry and evicts the oldest rows beyond the configured bound.
func (c *JudgeCache) Put(contentHash, rubricHash, model string, entry *JudgeCacheEntry) error {
	if _, err := c.db.Exec(
		`INSERT INTO judge_cache (content_hash, rubric_hash, model, response, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (content_hash, rubric_hash, model)
		 DO UPDATE SET response = excluded.response, created_at = excluded.created_at`,
		contentHash, rubricHash, model, entry.Response, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("judge cache put: %w", err)
	}
	if _, err := c.db.Exec(
		`DELETE FROM judge_cache WHERE rowid NOT IN (
			SELECT rowid FROM judge_cache ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`,
		c.maxEntries,
	); err != nil {
		return fmt.Errorf("judge cache evict: %w", err)
	}
	return nil
}

// Len returns the number of cached responses.
func (c *JudgeCache) Len() (int, error) {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM judge_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("judge cache count: %w", err)
	}
	return n, nil
}

// Close releases the underlying database.
func (c *JudgeCache) Close() error { return c.db.Close() }
