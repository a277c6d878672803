package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxReadFileSize = 1 << 20 // 1 MiB
	maxReadLines    = 200
	maxSearchHits   = 30
	maxTreeDepth    = 4
)

// readFile returns a line range of a workspace file with a header
// "path (lines A-B of N)" and a fenced body.
func readFile(ctx context.Context, args *ReadFileArgs, workspace string) (string, error) {
	if args.Path == "" {
		return "⚠️ 请指定要读取的文件路径", nil
	}
	if isSensitivePath(args.Path) {
		return fmt.Sprintf("⚠️ 文件 '%s' 包含敏感信息，已拒绝读取", args.Path), nil
	}

	abs, err := ResolvePath(workspace, args.Path)
	if err != nil {
		return "⚠️ " + err.Error(), nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Sprintf("⚠️ 文件不存在: %s", args.Path), nil
	}
	if info.IsDir() {
		return fmt.Sprintf("⚠️ '%s' 是目录，请使用 list_directory", args.Path), nil
	}
	if info.Size() > maxReadFileSize {
		return fmt.Sprintf("⚠️ 文件过大 (%d bytes > 1 MiB)，请使用 search_text 定位后分段读取", info.Size()), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	total := len(lines)

	start := args.StartLine
	if start < 1 {
		start = 1
	}
	end := args.EndLine
	if end <= 0 || end > total {
		end = total
	}
	if start > total {
		return fmt.Sprintf("⚠️ start_line %d 超出文件范围 (共 %d 行)", start, total), nil
	}
	if end-start+1 > maxReadLines {
		end = start + maxReadLines - 1
	}

	body := strings.Join(lines[start-1:end], "\n")
	header := fmt.Sprintf("%s (lines %d-%d of %d)", args.Path, start, end, total)
	return fmt.Sprintf("%s\n```\n%s\n```", header, body), nil
}

type searchHit struct {
	file string
	line int
	text string
}

// searchText wraps `grep -rn` with safe exclusions, falling back to an
// in-process scan when grep is unavailable. Capped at 30 matches with ±1
// line of context.
func searchText(ctx context.Context, args *SearchTextArgs, workspace string) (string, error) {
	if args.Query == "" {
		return "⚠️ 请指定搜索内容", nil
	}

	hits, err := grepSearch(ctx, args, workspace)
	if err != nil {
		hits, err = scanSearch(args, workspace)
		if err != nil {
			return "", err
		}
	}

	if len(hits) == 0 {
		return fmt.Sprintf("未找到匹配: %s", args.Query), nil
	}

	truncated := false
	if len(hits) > maxSearchHits {
		hits = hits[:maxSearchHits]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "共 %d 处匹配:\n", len(hits))
	for _, hit := range hits {
		fmt.Fprintf(&sb, "\n%s:%d\n", hit.file, hit.line)
		for _, line := range contextLines(workspace, hit) {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	if truncated {
		fmt.Fprintf(&sb, "\n... (已截断至前 %d 条匹配，请缩小搜索范围)", maxSearchHits)
	}
	return sb.String(), nil
}

func grepSearch(ctx context.Context, args *SearchTextArgs, workspace string) ([]searchHit, error) {
	grepPath, err := exec.LookPath("grep")
	if err != nil {
		return nil, err
	}

	cmdArgs := []string{"-rn", "-I"}
	if !args.IsRegex {
		cmdArgs = append(cmdArgs, "-F")
	}
	for dir := range noiseDirs {
		cmdArgs = append(cmdArgs, "--exclude-dir="+dir)
	}
	if args.IncludePattern != "" {
		cmdArgs = append(cmdArgs, "--include="+args.IncludePattern)
	}
	cmdArgs = append(cmdArgs, args.Query, ".")

	cmd := exec.CommandContext(ctx, grepPath, cmdArgs...)
	cmd.Dir = workspace
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil // no matches
		}
		return nil, err
	}

	var hits []searchHit
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		var line int
		if _, err := fmt.Sscanf(parts[1], "%d", &line); err != nil {
			continue
		}
		hits = append(hits, searchHit{
			file: strings.TrimPrefix(parts[0], "./"),
			line: line,
			text: parts[2],
		})
		if len(hits) > maxSearchHits {
			break
		}
	}
	return hits, nil
}

// scanSearch is the in-process fallback honouring the same exclusions.
func scanSearch(args *SearchTextArgs, workspace string) ([]searchHit, error) {
	var matcher func(string) bool
	if args.IsRegex {
		re, err := regexp.Compile(args.Query)
		if err != nil {
			return nil, fmt.Errorf("invalid regex: %w", err)
		}
		matcher = re.MatchString
	} else {
		matcher = func(s string) bool { return strings.Contains(s, args.Query) }
	}

	var hits []searchHit
	err := filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if noiseDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") && path != workspace {
				return filepath.SkipDir
			}
			return nil
		}
		if len(hits) > maxSearchHits {
			return filepath.SkipAll
		}
		rel, _ := filepath.Rel(workspace, path)
		if args.IncludePattern != "" {
			if ok, _ := filepath.Match(args.IncludePattern, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxReadFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if matcher(line) {
				hits = append(hits, searchHit{file: rel, line: i + 1, text: line})
				if len(hits) > maxSearchHits {
					break
				}
			}
		}
		return nil
	})
	return hits, err
}

// contextLines renders a hit with one line of context above and below.
func contextLines(workspace string, hit searchHit) []string {
	data, err := os.ReadFile(filepath.Join(workspace, hit.file))
	if err != nil {
		return []string{fmt.Sprintf("  %d: %s", hit.line, hit.text)}
	}
	lines := strings.Split(string(data), "\n")
	var out []string
	for i := hit.line - 2; i <= hit.line; i++ {
		if i < 0 || i >= len(lines) {
			continue
		}
		marker := "  "
		if i == hit.line-1 {
			marker = "> "
		}
		out = append(out, fmt.Sprintf("%s%d: %s", marker, i+1, lines[i]))
	}
	return out
}

// listDirectory renders directories first, then files with size and entry
// counts, excluding noise directories.
func listDirectory(args *ListDirectoryArgs, workspace string) (string, error) {
	dir := args.Path
	if dir == "" {
		dir = "."
	}
	abs, err := ResolvePath(workspace, dir)
	if err != nil {
		return "⚠️ " + err.Error(), nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return fmt.Sprintf("⚠️ 无法读取目录: %s", dir), nil
	}

	var dirs, files []string
	for _, entry := range entries {
		name := entry.Name()
		if noiseDirs[name] {
			continue
		}
		if entry.IsDir() {
			count := 0
			if subEntries, err := os.ReadDir(filepath.Join(abs, name)); err == nil {
				count = len(subEntries)
			}
			dirs = append(dirs, fmt.Sprintf("📁 %s/ (%d 项)", name, count))
		} else {
			info, err := entry.Info()
			size := int64(0)
			if err == nil {
				size = info.Size()
			}
			files = append(files, fmt.Sprintf("📄 %s (%s)", name, humanSize(size)))
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)

	if len(dirs) == 0 && len(files) == 0 {
		return fmt.Sprintf("%s/ (空目录)", dir), nil
	}
	return fmt.Sprintf("%s/\n%s", dir, strings.Join(append(dirs, files...), "\n")), nil
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// fileTree renders a depth-capped tree using ├──/└── with prefix
// continuation.
func fileTree(args *FileTreeArgs, workspace string) (string, error) {
	dir := args.Path
	if dir == "" {
		dir = "."
	}
	abs, err := ResolvePath(workspace, dir)
	if err != nil {
		return "⚠️ " + err.Error(), nil
	}

	depth := args.MaxDepth
	if depth <= 0 || depth > maxTreeDepth {
		depth = maxTreeDepth
	}

	tree := renderTree(abs, "", 0, depth)
	if tree == "" {
		return fmt.Sprintf("%s/ (空目录)", dir), nil
	}
	return fmt.Sprintf("%s/\n%s", dir, tree), nil
}

func renderTree(path, prefix string, depth, maxDepth int) string {
	if depth >= maxDepth {
		return ""
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ""
	}

	var names []os.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if noiseDirs[name] || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, entry)
	}

	var lines []string
	for i, entry := range names {
		last := i == len(names)-1
		connector := "├── "
		continuation := "│   "
		if last {
			connector = "└── "
			continuation = "    "
		}
		if entry.IsDir() {
			lines = append(lines, prefix+connector+entry.Name()+"/")
			if sub := renderTree(filepath.Join(path, entry.Name()), prefix+continuation, depth+1, maxDepth); sub != "" {
				lines = append(lines, sub)
			}
		} else {
			lines = append(lines, prefix+connector+entry.Name())
		}
	}
	return strings.Join(lines, "\n")
}
