package contextpipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var candidateKeyFiles = []string{
	"CLAUDE.md", "README.md", "package.json", "requirements.txt",
	"pyproject.toml", "setup.cfg", "Cargo.toml", "go.mod",
	"pom.xml", "build.gradle", "CMakeLists.txt",
	"docker-compose.yml", "Dockerfile", "Makefile",
	"tsconfig.json", "vite.config.ts", "webpack.config.js",
	".env.example", "TODO.md", "CHANGELOG.md",
}

var candidateKeyDirs = []string{
	"app/api", "app/models", "app/services", "app/core",
	"src", "src/views", "src/components", "src/api",
	"frontend/src/views", "frontend/src/components",
	"backend/api", "backend/services", "backend/core",
	"cmd", "internal", "pkg",
	"lib", "tests", "test",
}

var treeSkipDirs = map[string]bool{
	"node_modules": true, "__pycache__": true, ".git": true, ".venv": true,
	"venv": true, "dist": true, ".claude": true, "data": true, ".idea": true,
	".vscode": true, ".mypy_cache": true, ".pytest_cache": true,
	".ruff_cache": true, "htmlcov": true, ".next": true, ".nuxt": true,
	"build": true, "target": true,
}

// WorkspaceSource injects the project tree, key file contents, and key
// directory overviews.
type WorkspaceSource struct{}

func (s *WorkspaceSource) Name() string  { return "workspace" }
func (s *WorkspaceSource) Priority() int { return 30 }

func (s *WorkspaceSource) Gather(ctx context.Context, budgetTokens int, params GatherParams) ([]Section, error) {
	workspace := params.Workspace
	if workspace == "" {
		return nil, nil
	}
	if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
		return nil, nil
	}

	var sections []Section

	if tree := buildTree(workspace, "", 0, 3); tree != "" {
		sections = append(sections, Section{
			Name:      "项目结构",
			Content:   fmt.Sprintf("## 项目目录结构\n```\n%s\n```", tree),
			Priority:  30,
			Trimmable: true,
		})
	}

	keyFiles := discoverKeyFiles(workspace)
	if len(keyFiles) > 0 {
		var fileContents []string
		for i, rel := range keyFiles {
			if i == 6 {
				break
			}
			content := readFileSafe(filepath.Join(workspace, rel), 200)
			if content != "" {
				fileContents = append(fileContents, fmt.Sprintf("### %s\n```\n%s\n```", rel, content))
			}
		}
		if len(fileContents) > 0 {
			sections = append(sections, Section{
				Name:      "关键文件",
				Content:   "## 项目关键文件\n" + strings.Join(fileContents, "\n\n"),
				Priority:  35,
				Trimmable: true,
			})
		}
	}

	keyDirs := discoverKeyDirs(workspace)
	if len(keyDirs) > 0 {
		var dirInfos []string
		for i, rel := range keyDirs {
			if i == 4 {
				break
			}
			if files := listDirNames(filepath.Join(workspace, rel)); files != "" {
				dirInfos = append(dirInfos, fmt.Sprintf("- `%s/`: %s", rel, files))
			}
		}
		if len(dirInfos) > 0 {
			sections = append(sections, Section{
				Name:      "关键目录",
				Content:   "## 关键目录概览\n" + strings.Join(dirInfos, "\n"),
				Priority:  40,
				Trimmable: true,
			})
		}
	}

	return sections, nil
}

func discoverKeyFiles(workspace string) []string {
	var found []string
	for _, name := range candidateKeyFiles {
		if info, err := os.Stat(filepath.Join(workspace, name)); err == nil && !info.IsDir() {
			found = append(found, name)
			if len(found) == 8 {
				break
			}
		}
	}
	return found
}

func discoverKeyDirs(workspace string) []string {
	var found []string
	for _, name := range candidateKeyDirs {
		if info, err := os.Stat(filepath.Join(workspace, name)); err == nil && info.IsDir() {
			found = append(found, name)
			if len(found) == 8 {
				break
			}
		}
	}
	return found
}

func buildTree(path, prefix string, depth, maxDepth int) string {
	if depth >= maxDepth {
		return ""
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ""
	}

	var names []os.DirEntry
	for _, entry := range entries {
		if treeSkipDirs[entry.Name()] || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Name() < names[j].Name() })

	var lines []string
	for i, entry := range names {
		last := i == len(names)-1
		connector, continuation := "├── ", "│   "
		if last {
			connector, continuation = "└── ", "    "
		}
		if entry.IsDir() {
			lines = append(lines, prefix+connector+entry.Name()+"/")
			if sub := buildTree(filepath.Join(path, entry.Name()), prefix+continuation, depth+1, maxDepth); sub != "" {
				lines = append(lines, sub)
			}
		} else {
			lines = append(lines, prefix+connector+entry.Name())
		}
	}
	return strings.Join(lines, "\n")
}

func readFileSafe(path string, maxLines int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > maxLines {
		return strings.Join(lines[:maxLines], "\n") +
			fmt.Sprintf("\n... (截断, 共 %d 行)", len(lines))
	}
	return string(data)
}

func listDirNames(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "__") {
			continue
		}
		names = append(names, entry.Name())
		if len(names) == 20 {
			break
		}
	}
	return strings.Join(names, ", ")
}
