package rag

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aistudio/backbone/internal/sqlitedb"
)

// Entry is one indexed chunk with its embedding. Invariant: one entry per
// (source, line-range); re-indexing a file first removes all entries with a
// matching source.
type Entry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
	Source    string    `json:"source"`
	ChunkType string    `json:"chunk_type"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Match is a scored search hit.
type Match struct {
	Entry *Entry
	Score float32
}

// Index is the in-memory vector index: an entries list with a parallel
// embedding matrix and an id → position map. Writes mark the index dirty;
// Flush persists by full table replace. A single mutator mutex protects
// writes; readers observe snapshot granularity.
type Index struct {
	mu      sync.RWMutex
	entries []*Entry
	matrix  [][]float32
	idPos   map[string]int
	dirty   bool
}

var (
	indexInstance *Index
	indexOnce     sync.Once
)

// GetIndex returns the process-wide index.
func GetIndex() *Index {
	indexOnce.Do(func() {
		indexInstance = NewIndex()
	})
	return indexInstance
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{idPos: make(map[string]int)}
}

// Size returns the entry count.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Upsert inserts or replaces an entry by id.
func (ix *Index) Upsert(entry *Entry) {
	entry.UpdatedAt = time.Now()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if pos, ok := ix.idPos[entry.ID]; ok {
		ix.entries[pos] = entry
		ix.matrix[pos] = entry.Embedding
	} else {
		ix.idPos[entry.ID] = len(ix.entries)
		ix.entries = append(ix.entries, entry)
		ix.matrix = append(ix.matrix, entry.Embedding)
	}
	ix.dirty = true
}

// Remove deletes an entry by id.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

func (ix *Index) removeLocked(id string) {
	pos, ok := ix.idPos[id]
	if !ok {
		return
	}
	ix.entries = append(ix.entries[:pos], ix.entries[pos+1:]...)
	ix.matrix = append(ix.matrix[:pos], ix.matrix[pos+1:]...)
	delete(ix.idPos, id)
	for i := pos; i < len(ix.entries); i++ {
		ix.idPos[ix.entries[i].ID] = i
	}
	ix.dirty = true
}

// RemoveSource deletes every entry for a source file.
func (ix *Index) RemoveSource(source string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var ids []string
	for _, entry := range ix.entries {
		if entry.Source == source {
			ids = append(ids, entry.ID)
		}
	}
	for _, id := range ids {
		ix.removeLocked(id)
	}
	return len(ids)
}

// Clear empties the index.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = nil
	ix.matrix = nil
	ix.idPos = make(map[string]int)
	ix.dirty = true
}

// Search returns the top-k entries by cosine similarity, optionally filtered
// by source path prefix. Scores ≤ 0 are dropped.
func (ix *Index) Search(queryEmbedding []float32, topK int, sourceFilter string) []Match {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if topK <= 0 {
		topK = 5
	}

	var matches []Match
	for i, entry := range ix.entries {
		if sourceFilter != "" && !strings.HasPrefix(entry.Source, sourceFilter) {
			continue
		}
		score := CosineSimilarity(queryEmbedding, ix.matrix[i])
		if score > 0 {
			matches = append(matches, Match{Entry: entry, Score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// Entries returns a snapshot slice for keyword scans.
func (ix *Index) Entries() []*Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*Entry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// ── Persistence (single table, full replace on flush) ──

var ragSchemaOnce sync.Once

func ensureRAGTable(db *sql.DB) {
	ragSchemaOnce.Do(func() {
		_, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS rag_index (
				id TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				embedding TEXT NOT NULL,
				source TEXT DEFAULT '',
				chunk_type TEXT DEFAULT 'text',
				start_line INTEGER DEFAULT 0,
				end_line INTEGER DEFAULT 0,
				updated_at INTEGER DEFAULT 0
			)`)
		if err != nil {
			slog.Warn("Failed to create rag_index table", "error", err)
		}
	})
}

// Flush persists the whole index when dirty.
func (ix *Index) Flush() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.dirty {
		return nil
	}

	db := sqlitedb.Shared()
	ensureRAGTable(db)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin flush: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM rag_index"); err != nil {
		_ = tx.Rollback()
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO rag_index
			(id, content, embedding, source, chunk_type, start_line, end_line, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, entry := range ix.entries {
		embJSON, _ := json.Marshal(entry.Embedding)
		if _, err := stmt.Exec(entry.ID, entry.Content, string(embJSON), entry.Source,
			entry.ChunkType, entry.StartLine, entry.EndLine, entry.UpdatedAt.Unix()); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return err
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}

	ix.dirty = false
	slog.Info("RAG index flushed", "entries", len(ix.entries))
	return nil
}

// Load replaces the in-memory index from the table. Called at startup.
func (ix *Index) Load() error {
	db := sqlitedb.Shared()
	ensureRAGTable(db)

	rows, err := db.Query(`
		SELECT id, content, embedding, source, chunk_type, start_line, end_line, updated_at
		FROM rag_index`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = nil
	ix.matrix = nil
	ix.idPos = make(map[string]int)

	for rows.Next() {
		var entry Entry
		var embJSON string
		var updatedAt int64
		if err := rows.Scan(&entry.ID, &entry.Content, &embJSON, &entry.Source,
			&entry.ChunkType, &entry.StartLine, &entry.EndLine, &updatedAt); err != nil {
			return err
		}
		_ = json.Unmarshal([]byte(embJSON), &entry.Embedding)
		entry.UpdatedAt = time.Unix(updatedAt, 0)

		ix.idPos[entry.ID] = len(ix.entries)
		ix.entries = append(ix.entries, &entry)
		ix.matrix = append(ix.matrix, entry.Embedding)
	}

	ix.dirty = false
	slog.Info("RAG index loaded", "entries", len(ix.entries))
	return rows.Err()
}
