package rag

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var codeExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".vue": true, ".go": true, ".java": true, ".kt": true, ".scala": true,
	".rs": true, ".c": true, ".cpp": true, ".h": true, ".rb": true,
	".php": true, ".swift": true, ".sh": true, ".bash": true, ".zsh": true,
	".sql": true, ".r": true, ".lua": true, ".dart": true,
}

var textExtensions = map[string]bool{
	".md": true, ".txt": true, ".rst": true, ".adoc": true, ".csv": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true,
	".cfg": true, ".xml": true, ".html": true, ".css": true, ".scss": true,
}

var skipDirs = map[string]bool{
	"node_modules": true, ".git": true, ".svn": true, "__pycache__": true,
	".mypy_cache": true, ".pytest_cache": true, "dist": true, "build": true,
	".next": true, ".nuxt": true, "venv": true, ".venv": true, "env": true,
	".tox": true, "htmlcov": true, ".idea": true, ".vscode": true, "vendor": true,
}

const (
	maxIndexFileSize = 512 * 1024
	indexBatchSize   = 20
	defaultInterval  = 300 * time.Second
)

// IndexStats summarises one indexing pass.
type IndexStats struct {
	Scanned int `json:"scanned"`
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Indexer walks the workspace in the background: chunk, embed, upsert.
// Incremental via a path → mtime map; an fsnotify watcher marks changed
// paths dirty between interval passes. The indexer never blocks the request
// path.
type Indexer struct {
	workspace   string
	index       *Index
	embedder    *Embedder
	codeChunker *CodeChunker
	textChunker *TextChunker

	mu           sync.Mutex
	indexedFiles map[string]time.Time
	dirtyPaths   map[string]bool
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	watcher      *fsnotify.Watcher
}

// NewIndexer creates an indexer for a workspace.
func NewIndexer(workspace string, index *Index, embedder *Embedder, maxChunkTokens int) *Indexer {
	if index == nil {
		index = GetIndex()
	}
	if embedder == nil {
		embedder = GetEmbedder()
	}
	return &Indexer{
		workspace:    workspace,
		index:        index,
		embedder:     embedder,
		codeChunker:  NewCodeChunker(maxChunkTokens, 2),
		textChunker:  NewTextChunker(maxChunkTokens),
		indexedFiles: make(map[string]time.Time),
		dirtyPaths:   make(map[string]bool),
	}
}

// IsRunning reports whether the background loop is active.
func (in *Indexer) IsRunning() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// IndexedCount returns the number of tracked files.
func (in *Indexer) IndexedCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.indexedFiles)
}

// Start launches the background loop and the filesystem watcher.
func (in *Indexer) Start(interval time.Duration) {
	in.mu.Lock()
	if in.running {
		in.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	in.cancel = cancel
	in.done = make(chan struct{})
	in.running = true
	in.mu.Unlock()

	in.startWatcher()
	go in.loop(ctx, interval)
	slog.Info("Background indexer started", "interval", interval, "workspace", in.workspace)
}

// Stop halts the loop, the watcher, and flushes the index.
func (in *Indexer) Stop() {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return
	}
	in.running = false
	cancel := in.cancel
	done := in.done
	watcher := in.watcher
	in.watcher = nil
	in.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	cancel()
	<-done
	_ = in.index.Flush()
	slog.Info("Background indexer stopped")
}

func (in *Indexer) loop(ctx context.Context, interval time.Duration) {
	defer close(in.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First pass immediately.
	if _, err := in.IndexOnce(ctx); err != nil {
		slog.Error("Index pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := in.IndexOnce(ctx); err != nil {
				slog.Error("Index pass failed", "error", err)
			}
		}
	}
}

// startWatcher registers fsnotify watches on workspace directories so edits
// between passes are picked up without a full rescan.
func (in *Indexer) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("fsnotify unavailable, relying on interval scans", "error", err)
		return
	}
	in.mu.Lock()
	in.watcher = watcher
	in.mu.Unlock()

	_ = filepath.WalkDir(in.workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") && path != in.workspace {
			return filepath.SkipDir
		}
		_ = watcher.Add(path)
		return nil
	})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					in.mu.Lock()
					in.dirtyPaths[event.Name] = true
					in.mu.Unlock()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// IndexOnce runs one incremental pass, yielding cooperatively every batch of
// files.
func (in *Indexer) IndexOnce(ctx context.Context) (IndexStats, error) {
	start := time.Now()
	stats := IndexStats{}

	files := in.scanFiles()
	stats.Scanned = len(files)

	in.mu.Lock()
	dirty := in.dirtyPaths
	in.dirtyPaths = make(map[string]bool)
	in.mu.Unlock()

	type job struct {
		path  string
		mtime time.Time
	}
	var toIndex []job
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			stats.Skipped++
			continue
		}
		in.mu.Lock()
		last, seen := in.indexedFiles[path]
		in.mu.Unlock()
		if seen && !info.ModTime().After(last) && !dirty[path] {
			stats.Skipped++
			continue
		}
		toIndex = append(toIndex, job{path, info.ModTime()})
	}

	for i, j := range toIndex {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := in.indexFile(ctx, j.path); err != nil {
			slog.Warn("Failed to index file", "path", j.path, "error", err)
			stats.Errors++
			continue
		}
		in.mu.Lock()
		in.indexedFiles[j.path] = j.mtime
		in.mu.Unlock()
		stats.Indexed++

		if (i+1)%indexBatchSize == 0 {
			// Yield between batches to keep the scheduler responsive.
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}

	// Drop entries whose files vanished.
	for path := range dirty {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			rel, relErr := filepath.Rel(in.workspace, path)
			if relErr == nil {
				in.index.RemoveSource(rel)
			}
			in.mu.Lock()
			delete(in.indexedFiles, path)
			in.mu.Unlock()
		}
	}

	if stats.Indexed > 0 {
		if err := in.index.Flush(); err != nil {
			slog.Warn("RAG index flush failed", "error", err)
		}
	}

	slog.Info("Index pass complete",
		"scanned", stats.Scanned, "indexed", stats.Indexed,
		"skipped", stats.Skipped, "errors", stats.Errors,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

func (in *Indexer) scanFiles() []string {
	var result []string
	_ = filepath.WalkDir(in.workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") && path != in.workspace {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !codeExtensions[ext] && !textExtensions[ext] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxIndexFileSize {
			return nil
		}
		result = append(result, path)
		return nil
	})
	return result
}

// indexFile removes the file's old entries, chunks, embeds in batch, and
// upserts.
func (in *Indexer) indexFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	content := string(data)
	if strings.TrimSpace(content) == "" {
		return nil
	}

	rel, err := filepath.Rel(in.workspace, path)
	if err != nil {
		rel = path
	}

	in.index.RemoveSource(rel)

	ext := strings.ToLower(filepath.Ext(path))
	var chunks []Chunk
	if codeExtensions[ext] {
		chunks = in.codeChunker.ChunkFile(content, rel)
	} else {
		chunks = in.textChunker.ChunkText(content, rel)
	}

	var texts []string
	var kept []Chunk
	for _, chunk := range chunks {
		if strings.TrimSpace(chunk.Content) == "" {
			continue
		}
		texts = append(texts, chunk.Content)
		kept = append(kept, chunk)
	}
	if len(kept) == 0 {
		return nil
	}

	embeddings, err := in.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}

	for i, chunk := range kept {
		in.index.Upsert(&Entry{
			ID:        entryID(chunk),
			Content:   chunk.Content,
			Embedding: embeddings[i],
			Source:    chunk.Source,
			ChunkType: chunk.ChunkType,
			StartLine: chunk.StartLine,
			EndLine:   chunk.EndLine,
		})
	}
	return nil
}

// entryID is the deterministic hash of source, line range and content prefix.
func entryID(chunk Chunk) string {
	prefix := chunk.Content
	if len(prefix) > 50 {
		prefix = prefix[:50]
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d:%s", chunk.Source, chunk.StartLine, chunk.EndLine, prefix)))
	return hex.EncodeToString(sum[:])
}
