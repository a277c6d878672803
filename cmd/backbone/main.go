// Command backbone drives the AI execution core from the terminal.
//
// Usage:
//
//	backbone chat "读取 README.md 并总结" --model gpt-4o
//	backbone index --workspace /path/to/project
//	backbone mcp status
//	backbone traces --limit 20
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/aistudio/backbone/agent"
	"github.com/aistudio/backbone/config"
	"github.com/aistudio/backbone/contextpipe"
	"github.com/aistudio/backbone/internal/sqlitedb"
	"github.com/aistudio/backbone/llms"
	"github.com/aistudio/backbone/mcp"
	"github.com/aistudio/backbone/observability"
	"github.com/aistudio/backbone/rag"
	"github.com/aistudio/backbone/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Chat   ChatCmd   `cmd:"" help:"Run one agent turn against the workspace."`
	Index  IndexCmd  `cmd:"" help:"Run one RAG index pass over the workspace."`
	MCP    MCPCmd    `cmd:"" help:"Inspect MCP server health."`
	Traces TracesCmd `cmd:"" help:"Dump recent trace spans."`

	Config   string `short:"c" help:"Path to YAML config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// ChatCmd runs a single agent turn and prints the event stream.
type ChatCmd struct {
	Prompt      string  `arg:"" help:"User message."`
	Model       string  `help:"Model id (bare, copilot:<name>, or <slug>:<name>)."`
	Workspace   string  `short:"w" help:"Workspace root for tools."`
	MaxRounds   int     `help:"Maximum tool rounds." default:"15"`
	Temperature float64 `help:"Sampling temperature." default:"0.7"`
	JSON        bool    `help:"Print raw JSON events instead of rendered text."`
}

func (c *ChatCmd) Run(settings config.Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model := c.Model
	if model == "" {
		model = settings.DefaultModel
	}
	workspaceRoot := c.Workspace
	if workspaceRoot == "" {
		workspaceRoot = settings.WorkspacePath
	}

	permissions := tools.DefaultPermissions()
	registry := tools.GetRegistry()
	registry.SetMCPSource(mcp.DefinitionsForPermissions(mcp.GetRegistry()))
	router := mcp.NewRouter(mcp.GetRegistry(), mcp.GetManager(), nil, mcp.NewGitHubFallback(nil))
	executor := tools.NewExecutor(registry, router, nil)
	callCtx := tools.CallContext{Workspace: workspaceRoot, Permissions: permissions}

	builder := contextpipe.DefaultBuilder()
	systemPrompt, _ := builder.Build(ctx, 4000, contextpipe.GatherParams{
		Query:           c.Prompt,
		Workspace:       workspaceRoot,
		ToolPermissions: permissions,
		RAGEnabled:      settings.RAGEnabled,
		MemoryEnabled:   settings.MemoryEnabled,
	})

	defs := registry.Definitions(permissions)
	wireTools := tools.OpenAITools(defs)

	messages := []llms.Message{{Role: "user", Content: c.Prompt}}
	managed, _ := contextpipe.PrepareContext(messages, systemPrompt, model, "", wireTools)

	events := agent.RunAgent(ctx, agent.Input{
		Messages:      managed,
		Model:         model,
		SystemPrompt:  systemPrompt,
		Temperature:   c.Temperature,
		MaxTokens:     8192,
		Tools:         wireTools,
		MaxToolRounds: c.MaxRounds,
		RequestID:     llms.NewRequestID(),
		ToolExecutor: func(ctx context.Context, name string, arguments map[string]any) (string, error) {
			return executor.Execute(ctx, name, arguments, callCtx)
		},
	})

	for event := range events {
		if c.JSON {
			data, _ := json.Marshal(event)
			fmt.Println(string(data))
			continue
		}
		renderEvent(event)
	}
	fmt.Println()
	return nil
}

func renderEvent(event agent.Event) {
	switch event.Type {
	case agent.EventContent:
		fmt.Print(event.Content)
	case agent.EventThinking:
		fmt.Fprintf(os.Stderr, "\033[2m%s\033[0m", event.Content)
	case agent.EventToolCall:
		fmt.Fprintf(os.Stderr, "\n🔧 %s(%v)\n", event.ToolCall.Name, event.ToolCall.Arguments)
	case agent.EventToolResult:
		preview := event.Result
		if len(preview) > 400 {
			preview = preview[:400] + "…"
		}
		fmt.Fprintf(os.Stderr, "→ %s\n", preview)
	case agent.EventToolError:
		fmt.Fprintf(os.Stderr, "✗ %s: %s\n", event.Name, event.Error)
	case agent.EventUsage:
		fmt.Fprintf(os.Stderr, "\n[tokens: %d prompt + %d completion, rounds: %d]\n",
			event.Usage.PromptTokens, event.Usage.CompletionTokens, event.Usage.ToolRounds)
	case agent.EventAskUserPending:
		fmt.Fprintln(os.Stderr, "\n[等待用户回答]")
	case agent.EventError:
		fmt.Fprintf(os.Stderr, "\n%s\n", event.Error)
	}
}

// IndexCmd runs a single incremental index pass.
type IndexCmd struct {
	Workspace string `short:"w" help:"Workspace root to index."`
}

func (c *IndexCmd) Run(settings config.Settings) error {
	workspaceRoot := c.Workspace
	if workspaceRoot == "" {
		workspaceRoot = settings.WorkspacePath
	}

	index := rag.GetIndex()
	if err := index.Load(); err != nil {
		slog.Warn("Could not load existing index", "error", err)
	}

	indexer := rag.NewIndexer(workspaceRoot, index, rag.GetEmbedder(), 512)
	stats, err := indexer.IndexOnce(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("scanned=%d indexed=%d skipped=%d errors=%d (index size: %d)\n",
		stats.Scanned, stats.Indexed, stats.Skipped, stats.Errors, index.Size())
	return index.Flush()
}

// MCPCmd inspects server health.
type MCPCmd struct {
	Status MCPStatusCmd `cmd:"" default:"1" help:"Show connection health for every server."`
}

// MCPStatusCmd pings all live connections.
type MCPStatusCmd struct{}

func (c *MCPStatusCmd) Run(settings config.Settings) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health := mcp.GetManager().HealthCheck(ctx)
	if len(health) == 0 {
		fmt.Println("no active MCP connections")
		return nil
	}
	for slug, status := range health {
		state := "disconnected"
		if status.Connected {
			state = "connected"
			if !status.Healthy {
				state = "connected (unhealthy)"
			}
		}
		fmt.Printf("%-20s %s\n", slug, state)
	}
	return nil
}

// TracesCmd dumps recent spans.
type TracesCmd struct {
	Limit   int    `help:"Maximum spans to print." default:"20"`
	Project string `help:"Filter by project id."`
}

func (c *TracesCmd) Run(settings config.Settings) error {
	for _, span := range observability.GetTracer().Recent(c.Limit, c.Project) {
		fmt.Printf("%-12s %-10s %-24s %6.0fms %6d tok  %s\n",
			span.SpanID, span.Type, span.Name, span.DurationMS(),
			span.TotalTokens, span.Status)
	}
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("backbone"),
		kong.Description("AI execution core for the engineering studio."),
		kong.UsageOnError(),
	)

	settings, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLevel(cli.LogLevel),
	})))

	dbPath := settings.DatabasePath
	if dbPath == "" {
		dbPath = settings.DataPath + "/backbone.db"
	}
	if err := sqlitedb.Initialize(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "database error: %v\n", err)
		os.Exit(1)
	}
	observability.GetTracer().StartWriter()
	defer func() {
		mcp.GetManager().DisconnectAll()
		observability.GetTracer().StopWriter()
		llms.Shutdown()
		_ = sqlitedb.Shutdown()
	}()

	err = kctx.Run(settings)
	kctx.FatalIfErrorf(err)
}
