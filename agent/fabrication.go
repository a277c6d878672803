package agent

import "regexp"

// Fabrication: the model claiming it executed a command without issuing a
// tool call. These patterns flag claimed execution output in both Chinese
// and English.
var fabricationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`已执行`),
	regexp.MustCompile(`已经执行了`),
	regexp.MustCompile(`已删除`),
	regexp.MustCompile(`已运行`),
	regexp.MustCompile(`执行了.{0,12}命令`),
	regexp.MustCompile(`输出如下`),
	regexp.MustCompile(`执行结果[:：]`),
	regexp.MustCompile(`命令输出[:：]`),
	regexp.MustCompile(`运行结果[:：]`),
	regexp.MustCompile(`No such file or directory`),
	regexp.MustCompile(`command not found`),
	regexp.MustCompile(`(?m)^\$ [a-z]`),
	regexp.MustCompile(`exit code[:：]?\s*\d`),
}

// DetectFabrication scans assistant text for claimed command execution.
func DetectFabrication(text string) bool {
	if text == "" {
		return false
	}
	for _, pattern := range fabricationPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// fabricationCorrection is injected as a user message to force the model
// back onto real tool calls.
const fabricationCorrection = "⚠️ 你刚才在文本中伪造了命令执行结果，这是严重违规！" +
	"你并没有真正执行任何命令。" +
	"请立即通过 tool_call 调用 run_command 工具来执行命令，" +
	"不要再在文本中编造结果。"

// fabricationNotice is surfaced to the user while the loop retries.
const fabricationNotice = "\n\n⚠️ 检测到 AI 伪造执行结果，正在重新要求执行...\n\n"
