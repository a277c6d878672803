package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsReadonlyCommand(t *testing.T) {
	tests := []struct {
		command string
		want    bool
	}{
		{"git log --oneline", true},
		{"git diff HEAD~1", true},
		{"git status", true},
		{"ls -la", true},
		{"cat main.go", true},
		{"grep -rn TODO .", true},
		{"find . -name '*.go'", true},
		{"python3 -c 'print(1)'", true},
		{"python3 --version", true},
		{"docker ps", true},
		{"git log | head -5", true},
		{"cat a.txt | grep x | wc -l", true},

		{"", false},
		{"rm -rf /tmp/x", false},
		{"git push origin main", false},
		{"git commit -m x", false},
		{"echo hi > file.txt", false},
		{"cat a >> b", false},
		{"ls && rm x", false},
		{"ls; rm x", false},
		{"git log | tee out.txt", false},
		{"echo `whoami`", false},
		{"echo $(whoami)", false},
		{"npm install", false},
		{"python3 script.py", false},
		{"docker run alpine", false},
		{"curl http://example.com", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsReadonlyCommand(tt.command), tt.command)
	}
}

func TestReadonlyImpliesNoLethalOrWriters(t *testing.T) {
	// Property: any command accepted as read-only contains no lethal pattern
	// and no shell write operator.
	candidates := []string{
		"git log", "ls", "cat x", "grep a b", "rm -rf /", "mkfs.ext4 /dev/sda",
		"echo x > /dev/null", "shutdown now", "git log && reboot",
	}
	for _, cmd := range candidates {
		if IsReadonlyCommand(cmd) {
			_, lethal := ContainsLethalPattern(cmd)
			assert.False(t, lethal, cmd)
			assert.NotContains(t, cmd, ">", cmd)
			assert.NotContains(t, cmd, "&&", cmd)
		}
	}
}

func TestContainsLethalPattern(t *testing.T) {
	pattern, found := ContainsLethalPattern("sudo rm -rf / --no-preserve-root")
	assert.True(t, found)
	assert.Equal(t, "rm -rf /", pattern)

	_, found = ContainsLethalPattern("rm -rf ./build")
	assert.False(t, found)
}

func TestFormatCommandOutput(t *testing.T) {
	out := formatCommandOutput("ls", "a\nb", "", 0)
	assert.Contains(t, out, "$ ls")
	assert.Contains(t, out, "a\nb")

	withErr := formatCommandOutput("false", "", "boom", 1)
	assert.Contains(t, withErr, "(stderr) boom")
	assert.Contains(t, withErr, "(exit code: 1)")
}
