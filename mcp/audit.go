package mcp

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aistudio/backbone/internal/sqlitedb"
)

const (
	rateLimitWindow   = time.Minute
	rateLimitMaxCalls = 60
	resultPreviewMax  = 500
)

// AuditRecord is one persisted MCP call.
type AuditRecord struct {
	ServerSlug    string         `json:"server_slug"`
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"arguments"`
	ResultPreview string         `json:"result_preview"`
	DurationMS    int64          `json:"duration_ms"`
	Success       bool           `json:"success"`
	ProjectID     string         `json:"project_id,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

var auditSchemaOnce sync.Once

func ensureAuditTable(db *sql.DB) {
	auditSchemaOnce.Do(func() {
		_, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS mcp_audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				server_slug TEXT NOT NULL,
				tool_name TEXT NOT NULL,
				arguments TEXT DEFAULT '{}',
				result_preview TEXT DEFAULT '',
				duration_ms INTEGER DEFAULT 0,
				success INTEGER DEFAULT 1,
				project_id TEXT,
				error_message TEXT DEFAULT '',
				created_at INTEGER NOT NULL
			)`)
		if err != nil {
			slog.Warn("Failed to create MCP audit table", "error", err)
		}
	})
}

// LogCall persists one audit record. The result preview is capped at 500
// characters; argument values may contain user data but never resolved
// secrets (those live only in the subprocess environment).
func LogCall(record AuditRecord) {
	db := sqlitedb.Shared()
	ensureAuditTable(db)

	if runes := []rune(record.ResultPreview); len(runes) > resultPreviewMax {
		record.ResultPreview = string(runes[:resultPreviewMax])
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	argsJSON, _ := json.Marshal(record.Arguments)

	_, err := db.Exec(`
		INSERT INTO mcp_audit_log
			(server_slug, tool_name, arguments, result_preview, duration_ms,
			 success, project_id, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ServerSlug, record.ToolName, string(argsJSON), record.ResultPreview,
		record.DurationMS, boolToInt(record.Success), record.ProjectID,
		record.ErrorMessage, record.CreatedAt.Unix())
	if err != nil {
		slog.Warn("Failed to write MCP audit record", "error", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rateLimiter is a sliding-window limiter keyed on (slug, project|global).
type rateLimiter struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

var limiter = &rateLimiter{calls: make(map[string][]time.Time)}

// CheckRateLimit records an attempted call and reports whether it is within
// the 60 calls/minute window for its key.
func CheckRateLimit(serverSlug, projectID string) bool {
	scope := projectID
	if scope == "" {
		scope = "global"
	}
	key := serverSlug + ":" + scope

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)

	recent := limiter.calls[key][:0]
	for _, t := range limiter.calls[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= rateLimitMaxCalls {
		limiter.calls[key] = recent
		return false
	}
	limiter.calls[key] = append(recent, now)
	return true
}

// ResetRateLimitForTest clears limiter state.
func ResetRateLimitForTest() {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	limiter.calls = make(map[string][]time.Time)
}
