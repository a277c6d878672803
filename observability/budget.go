package observability

import (
	"fmt"
	"sync"
	"time"
)

// BudgetLimit caps a scope. Zero fields mean unlimited; PeriodSeconds > 0
// turns the scope into a rolling window.
type BudgetLimit struct {
	MaxTokens     int     `json:"max_tokens"`
	MaxCostCents  float64 `json:"max_cost_cents"`
	PeriodSeconds int     `json:"period_seconds"`
}

// BudgetUsage accumulates a scope's consumption.
type BudgetUsage struct {
	TokensUsed  int       `json:"tokens_used"`
	CostCents   float64   `json:"cost_cents"`
	Requests    int       `json:"requests"`
	WindowStart time.Time `json:"window_start"`
}

// BudgetCheck is the verdict for one pre-round check.
type BudgetCheck struct {
	Allowed  bool                      `json:"allowed"`
	Warnings []string                  `json:"warnings"`
	Details  map[string]map[string]any `json:"details"`
}

// BudgetManager tracks token budgets across three scopes: session:<id>,
// project:<id>, and global. At ≥80% of a limited scope a warning is emitted;
// at 100% the check denies.
type BudgetManager struct {
	mu     sync.Mutex
	limits map[string]BudgetLimit
	usage  map[string]*BudgetUsage
}

var (
	budgetInstance *BudgetManager
	budgetOnce     sync.Once
)

// GetBudget returns the process-wide budget manager.
func GetBudget() *BudgetManager {
	budgetOnce.Do(func() {
		budgetInstance = NewBudgetManager()
	})
	return budgetInstance
}

// NewBudgetManager creates a manager with the default session cap.
func NewBudgetManager() *BudgetManager {
	return &BudgetManager{
		limits: map[string]BudgetLimit{
			"session": {MaxTokens: 200_000},
			"global":  {},
		},
		usage: make(map[string]*BudgetUsage),
	}
}

// SetLimit configures a scope. "session" and "project" (without id) act as
// templates applied to every session/project scope.
func (b *BudgetManager) SetLimit(scope string, limit BudgetLimit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits[scope] = limit
}

// RecordUsage adds consumption to all relevant scopes.
func (b *BudgetManager) RecordUsage(tokens int, costCents float64, sessionID, projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.recordScope("global", tokens, costCents, now)
	if projectID != "" {
		b.recordScope("project:"+projectID, tokens, costCents, now)
	}
	if sessionID != "" {
		b.recordScope("session:"+sessionID, tokens, costCents, now)
	}
}

func (b *BudgetManager) recordScope(scope string, tokens int, cost float64, now time.Time) {
	usage, ok := b.usage[scope]
	if !ok {
		usage = &BudgetUsage{WindowStart: now}
		b.usage[scope] = usage
	}

	limit := b.limitFor(scope)
	if limit.PeriodSeconds > 0 && now.Sub(usage.WindowStart) > time.Duration(limit.PeriodSeconds)*time.Second {
		usage = &BudgetUsage{WindowStart: now}
		b.usage[scope] = usage
	}

	usage.TokensUsed += tokens
	usage.CostCents += cost
	usage.Requests++
}

// limitFor resolves a scope's limit, falling back to the session/project
// template limits.
func (b *BudgetManager) limitFor(scope string) BudgetLimit {
	if limit, ok := b.limits[scope]; ok {
		return limit
	}
	switch {
	case len(scope) > 8 && scope[:8] == "session:":
		return b.limits["session"]
	case len(scope) > 8 && scope[:8] == "project:":
		return b.limits["project"]
	}
	return BudgetLimit{}
}

// CheckBudget evaluates all relevant scopes before a round.
func (b *BudgetManager) CheckBudget(sessionID, projectID string) BudgetCheck {
	b.mu.Lock()
	defer b.mu.Unlock()

	check := BudgetCheck{Allowed: true, Details: map[string]map[string]any{}}

	ok, detail := b.checkScope("global")
	check.Details["global"] = detail
	if !ok {
		return BudgetCheck{Allowed: false, Warnings: []string{"全局预算已耗尽"}, Details: check.Details}
	}
	if pct, _ := detail["usage_pct"].(float64); pct >= 80 {
		check.Warnings = append(check.Warnings, fmt.Sprintf("全局预算已使用 %.0f%%", pct))
	}

	if projectID != "" {
		ok, detail := b.checkScope("project:" + projectID)
		check.Details["project"] = detail
		if !ok {
			return BudgetCheck{
				Allowed:  false,
				Warnings: []string{fmt.Sprintf("项目 %s 预算已耗尽", projectID)},
				Details:  check.Details,
			}
		}
		if pct, _ := detail["usage_pct"].(float64); pct >= 80 {
			check.Warnings = append(check.Warnings, fmt.Sprintf("项目预算已使用 %.0f%%", pct))
		}
	}

	if sessionID != "" {
		ok, detail := b.checkScope("session:" + sessionID)
		check.Details["session"] = detail
		if !ok {
			return BudgetCheck{
				Allowed:  false,
				Warnings: []string{"单次会话 token 上限已达到"},
				Details:  check.Details,
			}
		}
		if pct, _ := detail["usage_pct"].(float64); pct >= 80 {
			check.Warnings = append(check.Warnings, fmt.Sprintf("会话预算已使用 %.0f%%", pct))
		}
	}

	return check
}

func (b *BudgetManager) checkScope(scope string) (bool, map[string]any) {
	limit := b.limitFor(scope)
	usage := b.usage[scope]
	if usage == nil {
		usage = &BudgetUsage{}
	}

	detail := map[string]any{
		"tokens_used": usage.TokensUsed,
		"cost_cents":  usage.CostCents,
		"requests":    usage.Requests,
		"usage_pct":   0.0,
	}

	if limit.MaxTokens == 0 && limit.MaxCostCents == 0 {
		return true, detail
	}

	if limit.MaxTokens > 0 {
		pct := float64(usage.TokensUsed) / float64(limit.MaxTokens) * 100
		detail["usage_pct"] = pct
		detail["limit_tokens"] = limit.MaxTokens
		if usage.TokensUsed >= limit.MaxTokens {
			return false, detail
		}
	}
	if limit.MaxCostCents > 0 {
		pct := usage.CostCents / limit.MaxCostCents * 100
		detail["cost_pct"] = pct
		detail["limit_cost_cents"] = limit.MaxCostCents
		if usage.CostCents >= limit.MaxCostCents {
			return false, detail
		}
	}
	return true, detail
}

// UsageSummary reports the global and optional project consumption.
func (b *BudgetManager) UsageSummary(projectID string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	summary := map[string]any{}
	summarize := func(scope string) map[string]any {
		usage := b.usage[scope]
		if usage == nil {
			usage = &BudgetUsage{}
		}
		limit := b.limitFor(scope)
		return map[string]any{
			"tokens_used":      usage.TokensUsed,
			"cost_cents":       usage.CostCents,
			"requests":         usage.Requests,
			"limit_tokens":     limit.MaxTokens,
			"limit_cost_cents": limit.MaxCostCents,
		}
	}

	summary["global"] = summarize("global")
	if projectID != "" {
		summary["project"] = summarize("project:" + projectID)
	}
	return summary
}

// ResetSession clears one session scope.
func (b *BudgetManager) ResetSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.usage, "session:"+sessionID)
}
