// Package workspace manages per-project working copies: VCS detection,
// clone/fetch/checkout for review and iteration workspaces, and overview
// scanning for the context pipeline.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aistudio/backbone/config"
)

// VCSKind identifies the version control system of a directory.
type VCSKind string

const (
	VCSGit     VCSKind = "git"
	VCSSVN     VCSKind = "svn"
	VCSUnknown VCSKind = ""
)

const vcsCommandTimeout = 120 * time.Second

// DetectVCS inspects a directory for a git or svn working copy.
func DetectVCS(dir string) VCSKind {
	if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
		return VCSGit
	}
	if info, err := os.Stat(filepath.Join(dir, ".svn")); err == nil && info.IsDir() {
		return VCSSVN
	}
	return VCSUnknown
}

// WorkspacesRoot is where project-scoped clones live.
func WorkspacesRoot() string {
	return filepath.Join(config.Get().DataPath, "workspaces")
}

// ReviewWorkspacePath is the clone used for reviewing an implementation
// branch.
func ReviewWorkspacePath(projectID string) string {
	return filepath.Join(WorkspacesRoot(), fmt.Sprintf("project-%s-review", projectID))
}

// IterationWorkspacePath is the clone used for iteration discussions.
func IterationWorkspacePath(projectID string, iteration int) string {
	return filepath.Join(WorkspacesRoot(), fmt.Sprintf("project-%s-iter-%d", projectID, iteration))
}

// runVCS executes a vcs command with prompts disabled.
func runVCS(ctx context.Context, dir string, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, vcsCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return text, fmt.Errorf("%s command timed out", name)
		}
		return text, fmt.Errorf("%s %s failed: %w (%s)", name, strings.Join(args, " "), err, truncate(text, 300))
	}
	return text, nil
}

// BuildCloneURL constructs an authenticated clone URL. A configured
// GitCloneURL wins; otherwise the owner/repo binding is expanded for the
// given provider.
func BuildCloneURL(repo, token, provider, gitlabURL string) (string, error) {
	settings := config.Get()
	if settings.GitCloneURL != "" {
		url := settings.GitCloneURL
		if token != "" && strings.HasPrefix(url, "https://") {
			url = strings.Replace(url, "https://", "https://x-access-token:"+token+"@", 1)
		}
		return url, nil
	}

	if repo == "" {
		return "", fmt.Errorf("no repository configured: set GIT_CLONE_URL or a repo binding")
	}

	if strings.EqualFold(provider, "gitlab") {
		base := strings.TrimRight(gitlabURL, "/")
		if base == "" {
			base = "https://gitlab.com"
		}
		path := repo
		if !strings.HasSuffix(path, ".git") {
			path += ".git"
		}
		if token != "" {
			host := strings.TrimPrefix(base, "https://")
			return fmt.Sprintf("https://oauth2:%s@%s/%s", token, host, path), nil
		}
		return base + "/" + path, nil
	}

	if token != "" {
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, repo), nil
	}
	return fmt.Sprintf("https://github.com/%s.git", repo), nil
}

// CloneOrUpdate clones the repo into dir at branch, or fetches and checks
// out when the clone already exists.
func CloneOrUpdate(ctx context.Context, cloneURL, dir, branch string) error {
	if DetectVCS(dir) == VCSGit {
		if _, err := runVCS(ctx, dir, "git", "fetch", "origin", "--prune"); err != nil {
			return err
		}
		return Checkout(ctx, dir, branch)
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create workspaces root: %w", err)
	}
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, cloneURL, dir)
	_, err := runVCS(ctx, filepath.Dir(dir), "git", args...)
	return err
}

// Checkout switches a working copy to branch, tracking origin when the local
// branch doesn't exist yet.
func Checkout(ctx context.Context, dir, branch string) error {
	if branch == "" {
		return nil
	}
	switch DetectVCS(dir) {
	case VCSGit:
		if _, err := runVCS(ctx, dir, "git", "checkout", branch); err != nil {
			if _, err := runVCS(ctx, dir, "git", "checkout", "-b", branch, "origin/"+branch); err != nil {
				return err
			}
		}
		_, _ = runVCS(ctx, dir, "git", "pull", "--ff-only", "origin", branch)
		return nil
	case VCSSVN:
		_, err := runVCS(ctx, dir, "svn", "switch", branch)
		return err
	default:
		return fmt.Errorf("not a version-controlled directory: %s", dir)
	}
}

// CurrentBranch returns the checked-out branch of a git working copy.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	switch DetectVCS(dir) {
	case VCSGit:
		return runVCS(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	case VCSSVN:
		out, err := runVCS(ctx, dir, "svn", "info", "--show-item", "relative-url")
		return out, err
	default:
		return "", fmt.Errorf("not a version-controlled directory: %s", dir)
	}
}

// EffectiveWorkspace resolves a project's workspace directory, falling back
// to the global default.
func EffectiveWorkspace(projectWorkspaceDir string) string {
	if projectWorkspaceDir != "" {
		if info, err := os.Stat(projectWorkspaceDir); err == nil && info.IsDir() {
			return projectWorkspaceDir
		}
	}
	return config.Get().WorkspacePath
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
