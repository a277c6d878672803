package agent

import (
	"context"
	"log/slog"

	"github.com/aistudio/backbone/llms"
)

// Strategy names the agent loop flavour. Only react ships today; planning
// and orchestrated are reserved.
type Strategy string

const (
	StrategyReAct Strategy = "react"
)

// Runner is the contract the transport layer consumes: submit a run, receive
// a stream of typed events.
type Runner interface {
	Run(ctx context.Context, input Input) <-chan Event
}

// NewRunner creates the agent for a strategy, falling back to ReAct for
// unknown names.
func NewRunner(strategy Strategy, client *llms.Client) Runner {
	switch strategy {
	case StrategyReAct, "":
		return New(client)
	default:
		slog.Warn("Unknown agent strategy, falling back to react", "strategy", string(strategy))
		return New(client)
	}
}

// RunAgent is the convenience entry point: create the default agent and run.
func RunAgent(ctx context.Context, input Input) <-chan Event {
	return New(nil).Run(ctx, input)
}
