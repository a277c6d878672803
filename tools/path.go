package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// noiseDirs are skipped by listing, search, and tree tools.
var noiseDirs = map[string]bool{
	"node_modules": true, "__pycache__": true, ".git": true, ".svn": true,
	".venv": true, "venv": true, "dist": true, "build": true, ".next": true,
	".nuxt": true, "target": true, ".idea": true, ".vscode": true,
	".mypy_cache": true, ".pytest_cache": true, "vendor": true, "htmlcov": true,
}

// sensitiveNames is the deny-list of file names never exposed to the model.
var sensitiveNames = []string{
	".env", "id_rsa", "id_ed25519", ".netrc", ".npmrc", ".pypirc",
	"credentials", "secrets", ".htpasswd",
}

var sensitiveSuffixes = []string{".pem", ".key", ".p12", ".pfx", ".keystore"}

// allowedConfigNames override the deny-list: well-known, non-secret config
// files the model legitimately needs.
var allowedConfigNames = map[string]bool{
	".env.example": true, ".env.sample": true, ".env.template": true,
	"package.json": true, "tsconfig.json": true, "pyproject.toml": true,
	"go.mod": true, "go.sum": true, "Cargo.toml": true,
}

// ResolvePath canonicalizes a caller-supplied path and rejects anything that
// escapes the workspace root.
func ResolvePath(workspace, path string) (string, error) {
	wsAbs, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("invalid workspace: %w", err)
	}
	wsAbs, err = filepath.EvalSymlinks(wsAbs)
	if err != nil {
		return "", fmt.Errorf("invalid workspace: %w", err)
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(wsAbs, target)
	}
	target = filepath.Clean(target)

	// Resolve symlinks when the target exists so links can't escape the
	// sandbox; a target that does not exist is checked as written.
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}

	rel, err := filepath.Rel(wsAbs, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("路径超出工作区范围: %s", path)
	}
	return target, nil
}

// isSensitivePath reports whether a file must not be read. The allow-list of
// well-known config names wins over the deny-list.
func isSensitivePath(path string) bool {
	base := filepath.Base(path)
	if allowedConfigNames[base] {
		return false
	}
	lower := strings.ToLower(base)
	for _, name := range sensitiveNames {
		if lower == name || strings.HasPrefix(lower, name+".") {
			return true
		}
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
