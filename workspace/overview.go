package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var extLanguages = map[string]string{
	".py": "Python", ".pyw": "Python",
	".js": "JavaScript", ".mjs": "JavaScript", ".cjs": "JavaScript",
	".ts": "TypeScript", ".tsx": "TypeScript",
	".vue": "Vue", ".jsx": "React JSX",
	".java": "Java", ".kt": "Kotlin", ".kts": "Kotlin",
	".go": "Go", ".rs": "Rust",
	".c": "C", ".h": "C/C++ Header", ".hpp": "C/C++ Header",
	".cpp": "C++", ".cc": "C++", ".cxx": "C++",
	".cs": "C#", ".rb": "Ruby", ".php": "PHP", ".swift": "Swift",
	".scala": "Scala", ".r": "R", ".lua": "Lua", ".dart": "Dart",
	".sql": "SQL", ".sh": "Shell", ".bash": "Shell", ".zsh": "Shell",
	".ps1": "PowerShell", ".html": "HTML", ".htm": "HTML",
	".css": "CSS", ".scss": "SCSS", ".less": "Less",
	".json": "JSON", ".xml": "XML", ".yaml": "YAML", ".yml": "YAML",
	".toml": "TOML", ".md": "Markdown", ".mdx": "Markdown",
	".proto": "Protobuf", ".graphql": "GraphQL", ".tf": "Terraform",
	".svelte": "Svelte",
}

var ignoreDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true, "node_modules": true,
	"__pycache__": true, ".tox": true, ".mypy_cache": true,
	".pytest_cache": true, "venv": true, ".venv": true, "env": true,
	"dist": true, "build": true, ".next": true, ".nuxt": true,
	"target": true, "out": true, "bin": true, "obj": true,
	".idea": true, ".vscode": true, ".gradle": true, "vendor": true,
	"bower_components": true, ".terraform": true, "coverage": true,
	".cache": true,
}

var keyFileNames = []string{
	"CLAUDE.md", "README.md", "README.rst",
	"package.json", "pyproject.toml", "requirements.txt", "setup.py",
	"Cargo.toml", "go.mod", "pom.xml", "build.gradle",
	"Dockerfile", "docker-compose.yml", "docker-compose.yaml",
	"Makefile", "CMakeLists.txt",
	".gitignore", ".editorconfig",
	"tsconfig.json", "vite.config.ts", "webpack.config.js",
	"CONTRIBUTING.md", "LICENSE",
}

// LanguageStat is one language's share of the workspace.
type LanguageStat struct {
	Language string `json:"language"`
	Files    int    `json:"files"`
	Bytes    int64  `json:"bytes"`
}

// Overview summarises a workspace for the context pipeline and the UI.
type Overview struct {
	Path       string         `json:"path"`
	VCS        VCSKind        `json:"vcs"`
	TotalFiles int            `json:"total_files"`
	TotalBytes int64          `json:"total_bytes"`
	Languages  []LanguageStat `json:"languages"`
	KeyFiles   []string       `json:"key_files"`
	ScannedAt  time.Time      `json:"scanned_at"`
}

const overviewCacheTTL = 60 * time.Second

var (
	overviewMu    sync.Mutex
	overviewCache = map[string]*Overview{}
)

// ClearOverviewCache drops cached overviews, e.g. after switching the active
// workspace directory.
func ClearOverviewCache() {
	overviewMu.Lock()
	defer overviewMu.Unlock()
	overviewCache = map[string]*Overview{}
}

// Scan walks the workspace and builds its overview, with a short-lived cache
// keyed by path.
func Scan(path string) (*Overview, error) {
	overviewMu.Lock()
	if cached, ok := overviewCache[path]; ok && time.Since(cached.ScannedAt) < overviewCacheTTL {
		overviewMu.Unlock()
		return cached, nil
	}
	overviewMu.Unlock()

	overview := &Overview{
		Path:      path,
		VCS:       DetectVCS(path),
		ScannedAt: time.Now(),
	}

	langs := map[string]*LanguageStat{}
	err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		overview.TotalFiles++
		overview.TotalBytes += info.Size()

		if lang, ok := extLanguages[strings.ToLower(filepath.Ext(p))]; ok {
			stat, ok := langs[lang]
			if !ok {
				stat = &LanguageStat{Language: lang}
				langs[lang] = stat
			}
			stat.Files++
			stat.Bytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, stat := range langs {
		overview.Languages = append(overview.Languages, *stat)
	}
	sort.Slice(overview.Languages, func(i, j int) bool {
		return overview.Languages[i].Bytes > overview.Languages[j].Bytes
	})

	for _, name := range keyFileNames {
		if info, err := os.Stat(filepath.Join(path, name)); err == nil && !info.IsDir() {
			overview.KeyFiles = append(overview.KeyFiles, name)
		}
	}

	overviewMu.Lock()
	overviewCache[path] = overview
	overviewMu.Unlock()
	return overview, nil
}
