package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	commandTimeout      = 30 * time.Second
	writeCommandTimeout = 60 * time.Second
	maxCommandOutput    = 8000
)

// readonlyCommands whitelists commands for unattended execution. A nil
// sub-command set allows everything; a non-nil set restricts the first
// argument.
var readonlyCommands = map[string]map[string]bool{
	"git": set("log", "diff", "show", "status", "branch", "tag", "describe",
		"rev-parse", "ls-files", "blame", "shortlog", "remote", "stash"),
	"ls": nil, "cat": nil, "head": nil, "tail": nil,
	"find": nil, "grep": nil, "wc": nil, "file": nil,
	"diff": nil, "pwd": nil, "echo": nil, "which": nil,
	"du": nil, "stat": nil, "realpath": nil, "dirname": nil,
	"basename": nil, "env": nil, "uname": nil, "whoami": nil,
	"date": nil, "tree": nil, "less": nil, "more": nil,
	"sort": nil, "uniq": nil, "awk": nil, "sed": nil,
	"cut": nil, "tr": nil, "xargs": nil,
	"python3":        set("-c", "--version", "-V"),
	"python":         set("-c", "--version", "-V"),
	"node":           set("-e", "--version", "-v"),
	"go":             set("version", "env", "list", "doc", "vet"),
	"docker":         set("ps", "images", "logs", "inspect", "stats", "top", "version", "info"),
	"docker-compose": set("ps", "logs", "config", "images"),
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}

// lethalPatterns are blocked unconditionally, even with full permissions.
var lethalPatterns = []string{
	"rm -rf /", "mkfs", "> /dev/", ":(){ :|:& };:", "shutdown", "reboot",
}

var (
	reRedirect = regexp.MustCompile(`>{1,2}`)
	rePipeTee  = regexp.MustCompile(`\|\s*tee\b`)
)

// ContainsLethalPattern reports whether the command matches the hard block
// list.
func ContainsLethalPattern(command string) (string, bool) {
	for _, pattern := range lethalPatterns {
		if strings.Contains(command, pattern) {
			return pattern, true
		}
	}
	return "", false
}

// IsReadonlyCommand decides whether a command may run unattended. Three
// layers: no shell write operators, every piped segment whitelisted (with an
// allowed sub-command where restricted), no lethal pattern.
func IsReadonlyCommand(command string) bool {
	stripped := strings.TrimSpace(command)
	if stripped == "" {
		return false
	}

	if reRedirect.MatchString(stripped) {
		return false
	}
	if strings.Contains(stripped, "&&") || strings.Contains(stripped, ";") {
		return false
	}
	if rePipeTee.MatchString(stripped) {
		return false
	}
	if strings.Contains(stripped, "`") || strings.Contains(stripped, "$(") {
		return false
	}
	if _, lethal := ContainsLethalPattern(stripped); lethal {
		return false
	}

	for _, segment := range strings.Split(stripped, "|") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			return false
		}
		parts := strings.Fields(segment)
		if len(parts) == 0 {
			return false
		}
		cmd := filepath.Base(parts[0])

		allowedSubs, known := readonlyCommands[cmd]
		if !known {
			return false
		}
		if allowedSubs == nil {
			continue
		}
		// Restricted command: a sub-command, if present, must be allowed.
		if len(parts) >= 2 && !allowedSubs[parts[1]] {
			return false
		}
	}
	return true
}

// runShell executes a command under the workspace and formats its output.
func runShell(ctx context.Context, command, workspace string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("⚠️ 命令执行超时 (%s): %s", timeout, command)
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return fmt.Sprintf("⚠️ 命令执行失败: %v", err)
		}
	}
	return formatCommandOutput(command, stdout.String(), stderr.String(), exitCode)
}

func formatCommandOutput(command, stdout, stderr string, exitCode int) string {
	out := strings.TrimSpace(stdout)
	errOut := strings.TrimSpace(stderr)

	if len(out) > maxCommandOutput {
		out = out[:maxCommandOutput] + fmt.Sprintf("\n\n... (输出已截断至 %d 字符)", maxCommandOutput)
	}

	result := "$ " + command + "\n"
	if out != "" {
		result += "\n" + out
	}
	if errOut != "" {
		result += "\n(stderr) " + errOut
	}
	if exitCode != 0 {
		result += fmt.Sprintf("\n(exit code: %d)", exitCode)
	}
	return result
}

// runReadonlyCommand executes a whitelisted read-only command.
func runReadonlyCommand(ctx context.Context, args *RunCommandArgs, workspace string) (string, error) {
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return "⚠️ 请指定要执行的命令", nil
	}
	if pattern, lethal := ContainsLethalPattern(command); lethal {
		return fmt.Sprintf("⚠️ 命令包含危险模式: '%s'，已阻止执行", pattern), nil
	}
	if !IsReadonlyCommand(command) {
		return fmt.Sprintf(
			"⚠️ 此命令不在只读白名单中，需要 '执行任意命令' 权限。\n命令: %s\n\n"+
				"只读命令示例: git log, git diff, ls, cat, grep, find, python3 -c 等\n"+
				"如需执行此命令，请让项目管理员开启 'execute_command' 权限。", command), nil
	}
	return runShell(ctx, command, workspace, commandTimeout), nil
}

// runUnrestrictedCommand executes an approved write command. The lethal
// pattern block still applies.
func runUnrestrictedCommand(ctx context.Context, args *RunCommandArgs, workspace string) (string, error) {
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return "⚠️ 请指定要执行的命令", nil
	}
	if pattern, lethal := ContainsLethalPattern(command); lethal {
		return fmt.Sprintf("⚠️ 命令包含极端危险模式: '%s'，已阻止执行", pattern), nil
	}
	return runShell(ctx, command, workspace, writeCommandTimeout), nil
}
