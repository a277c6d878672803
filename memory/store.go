// Package memory provides the typed long-term memory store: facts,
// decisions, preferences and context summaries with keyword search.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aistudio/backbone/internal/sqlitedb"
)

// Type classifies a memory item.
type Type string

const (
	TypeFact       Type = "fact"
	TypeDecision   Type = "decision"
	TypePreference Type = "preference"
	TypeContext    Type = "context"
)

// Item is one long-term memory record.
type Item struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Type       Type           `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"` // empty = global
	Importance float64        `json:"importance"`
	Tags       []string       `json:"tags,omitempty"`
	Source     string         `json:"source,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Store persists memory items in a single SQLite table. Search is a
// lowercased LIKE over up to 5 keywords ordered by importance then recency;
// not vectorised in v1.
type Store struct {
	db   *sql.DB
	once sync.Once
}

var (
	storeInstance *Store
	storeOnce     sync.Once
)

// GetStore returns the process-wide memory store.
func GetStore() *Store {
	storeOnce.Do(func() {
		storeInstance = NewStore(sqlitedb.Shared())
	})
	return storeInstance
}

// NewStore creates a store over the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ensureTable() {
	s.once.Do(func() {
		_, _ = s.db.Exec(`
			CREATE TABLE IF NOT EXISTS memory_items (
				id TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				memory_type TEXT NOT NULL,
				project_id TEXT,
				importance REAL DEFAULT 0.5,
				tags TEXT DEFAULT '[]',
				source TEXT DEFAULT '',
				created_at INTEGER DEFAULT 0,
				updated_at INTEGER DEFAULT 0,
				metadata TEXT DEFAULT '{}'
			)`)
		_, _ = s.db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_memory_project
			ON memory_items(project_id, memory_type)`)
	})
}

// Add inserts or replaces an item, minting an id when absent.
func (s *Store) Add(ctx context.Context, item Item) (string, error) {
	s.ensureTable()
	if item.ID == "" {
		item.ID = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Importance == 0 {
		item.Importance = 0.5
	}

	tagsJSON, _ := json.Marshal(item.Tags)
	metaJSON, _ := json.Marshal(item.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memory_items
			(id, content, memory_type, project_id, importance, tags, source,
			 created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Content, string(item.Type), nullable(item.ProjectID),
		item.Importance, string(tagsJSON), item.Source,
		item.CreatedAt.Unix(), item.UpdatedAt.Unix(), string(metaJSON))
	if err != nil {
		return "", fmt.Errorf("failed to store memory item: %w", err)
	}
	return item.ID, nil
}

// Get fetches one item by id.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	s.ensureTable()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, memory_type, project_id, importance, tags, source,
		        created_at, updated_at, metadata
		 FROM memory_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// Search runs a keyword search: up to 5 lowercased keywords, LIKE-matched
// against content, global items included alongside the project's.
func (s *Store) Search(ctx context.Context, query, projectID string, memoryType Type, topK int) ([]Item, error) {
	s.ensureTable()
	if topK <= 0 {
		topK = 10
	}

	sqlText := `SELECT id, content, memory_type, project_id, importance, tags, source,
	                   created_at, updated_at, metadata
	            FROM memory_items WHERE 1=1`
	var params []any

	if projectID != "" {
		sqlText += " AND (project_id = ? OR project_id IS NULL)"
		params = append(params, projectID)
	}
	if memoryType != "" {
		sqlText += " AND memory_type = ?"
		params = append(params, string(memoryType))
	}

	var keywords []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) > 1 {
			keywords = append(keywords, w)
		}
		if len(keywords) == 5 {
			break
		}
	}
	if len(keywords) > 0 {
		var conditions []string
		for _, kw := range keywords {
			conditions = append(conditions, "LOWER(content) LIKE ?")
			params = append(params, "%"+kw+"%")
		}
		sqlText += " AND (" + strings.Join(conditions, " OR ") + ")"
	}

	sqlText += " ORDER BY importance DESC, updated_at DESC LIMIT ?"
	params = append(params, topK)

	return s.queryItems(ctx, sqlText, params...)
}

// ListRecent returns the most recently updated items.
func (s *Store) ListRecent(ctx context.Context, projectID string, memoryType Type, limit int) ([]Item, error) {
	s.ensureTable()
	if limit <= 0 {
		limit = 20
	}

	sqlText := `SELECT id, content, memory_type, project_id, importance, tags, source,
	                   created_at, updated_at, metadata
	            FROM memory_items WHERE 1=1`
	var params []any
	if projectID != "" {
		sqlText += " AND (project_id = ? OR project_id IS NULL)"
		params = append(params, projectID)
	}
	if memoryType != "" {
		sqlText += " AND memory_type = ?"
		params = append(params, string(memoryType))
	}
	sqlText += " ORDER BY updated_at DESC LIMIT ?"
	params = append(params, limit)

	return s.queryItems(ctx, sqlText, params...)
}

// Remove deletes one item.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	s.ensureTable()
	result, err := s.db.ExecContext(ctx, "DELETE FROM memory_items WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// UpdateImportance adjusts an item's importance.
func (s *Store) UpdateImportance(ctx context.Context, id string, importance float64) error {
	s.ensureTable()
	_, err := s.db.ExecContext(ctx,
		"UPDATE memory_items SET importance = ?, updated_at = ? WHERE id = ?",
		importance, time.Now().Unix(), id)
	return err
}

// QueryFacts is the typed helper the memory context source uses.
func (s *Store) QueryFacts(ctx context.Context, projectID string, limit int) ([]Item, error) {
	return s.ListRecent(ctx, projectID, TypeFact, limit)
}

// QueryDecisions is the typed helper the memory context source uses.
func (s *Store) QueryDecisions(ctx context.Context, projectID string, limit int) ([]Item, error) {
	return s.ListRecent(ctx, projectID, TypeDecision, limit)
}

func (s *Store) queryItems(ctx context.Context, sqlText string, params ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var typeStr, tagsJSON, metaJSON string
	var projectID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&item.ID, &item.Content, &typeStr, &projectID,
		&item.Importance, &tagsJSON, &item.Source, &createdAt, &updatedAt, &metaJSON)
	if err != nil {
		return nil, err
	}
	item.Type = Type(typeStr)
	item.ProjectID = projectID.String
	item.CreatedAt = time.Unix(createdAt, 0)
	item.UpdatedAt = time.Unix(updatedAt, 0)
	_ = json.Unmarshal([]byte(tagsJSON), &item.Tags)
	_ = json.Unmarshal([]byte(metaJSON), &item.Metadata)
	return &item, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
