package tools

import "fmt"

// askUser returns a fixed confirmation; the agent runtime emits
// ask_user_pending and halts the loop when it sees this tool called.
func askUser(args *AskUserArgs) (string, error) {
	if len(args.Questions) == 0 {
		return "⚠️ 请至少提出一个问题", nil
	}
	return fmt.Sprintf("✅ 已向用户展示 %d 个问题，请等待用户回答后再继续讨论。不要自行假设答案。",
		len(args.Questions)), nil
}
