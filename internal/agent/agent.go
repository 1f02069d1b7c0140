package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/models"
	"github.com/tallenb/remedy/internal/telemetry"
)

const (
	defaultMaxSteps    = 8
	defaultMaxDuration = 60 * time.Second

	// Confidence gates: a mutating proposal needs 0.70, a destructive one
	// needs 0.90. The agent starts below both, in investigation mode.
	mutatingConfidenceFloor    = 0.70
	destructiveConfidenceFloor = 0.90
	initialConfidence          = 0.5

	maxToolOutput = 8000
)

// Toolbox is the set of read-only capabilities the agent can invoke during
// investigation. Implementations route through the validator, executor,
// monitoring client, and log client.
type Toolbox interface {
	RunDiagnostic(ctx context.Context, host, command string) (string, error)
	GatherLogs(ctx context.Context, host, serviceType, serviceName string, lines int) (string, error)
	QueryMetric(ctx context.Context, expr string, rng time.Duration) (string, error)
	SearchLogs(ctx context.Context, expr string, minutes, limit int) (string, error)
	CheckServiceStatus(ctx context.Context, host, serviceType, serviceName string) (string, error)
}

// Config bounds the reasoning loop.
type Config struct {
	Model       string
	MaxSteps    int
	MaxDuration time.Duration
}

// Request is one investigation task.
type Request struct {
	Alert         models.Alert
	TargetHost    string
	Hint          *models.Pattern
	KnownFailures []models.FailurePattern
}

// Plan is the agent's conclusion. When Actionable is false the orchestrator
// escalates with EscalateReason.
type Plan struct {
	Actionable     bool
	Host           string
	Commands       []string
	Rationale      string
	Confidence     float64
	Analysis       string
	Steps          string // investigation trace, opaque JSON
	EscalateReason string
}

type investigationStep struct {
	Tool   string         `json:"tool"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output"`
	Error  bool           `json:"error,omitempty"`
}

// Agent runs the bounded reasoning loop.
type Agent struct {
	provider Provider
	tools    Toolbox
	cfg      Config
}

// New creates an Agent.
func New(provider Provider, tools Toolbox, cfg Config) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	return &Agent{provider: provider, tools: tools, cfg: cfg}
}

// Investigate drives the LLM until it proposes an action, concludes there
// is nothing to do, or runs out of steps or time.
func (a *Agent) Investigate(ctx context.Context, req Request) (Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.MaxDuration)
	defer cancel()

	confidence := initialConfidence
	var steps []investigationStep
	var lastAnalysis string

	messages := []Message{{Role: "user", Content: buildTaskPrompt(req)}}

	for step := 0; step < a.cfg.MaxSteps; step++ {
		resp, err := a.provider.Chat(ctx, ChatRequest{
			Messages: messages,
			Model:    a.cfg.Model,
			System:   systemPrompt,
			Tools:    toolDefinitions(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return a.escalate("deadline", confidence, lastAnalysis, steps), nil
			}
			return Plan{}, err
		}
		telemetry.LLMTokens.WithLabelValues("input").Add(float64(resp.InputTokens))
		telemetry.LLMTokens.WithLabelValues("output").Add(float64(resp.OutputTokens))

		if resp.Content != "" {
			lastAnalysis = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			// Model concluded without proposing; nothing actionable.
			return Plan{
				Actionable: false,
				Confidence: confidence,
				Analysis:   lastAnalysis,
				Steps:      marshalSteps(steps),
			}, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			if call.Name == "propose_action" {
				plan, gateErr := a.acceptProposal(call, confidence, lastAnalysis, steps)
				if gateErr == "" {
					return plan, nil
				}
				steps = append(steps, investigationStep{Tool: call.Name, Input: call.Input, Output: gateErr, Error: true})
				messages = append(messages, Message{
					Role:       "user",
					ToolResult: &ToolResult{ToolUseID: call.ID, Content: gateErr, IsError: true},
				})
				continue
			}

			if call.Name == "update_confidence" {
				confidence = clamp01(floatArg(call.Input, "new_value", confidence))
				steps = append(steps, investigationStep{Tool: call.Name, Input: call.Input,
					Output: fmt.Sprintf("confidence now %.2f", confidence)})
				messages = append(messages, Message{
					Role:       "user",
					ToolResult: &ToolResult{ToolUseID: call.ID, Content: fmt.Sprintf("confidence set to %.2f", confidence)},
				})
				continue
			}

			output, toolErr := a.dispatch(ctx, call)
			output = truncate(output, maxToolOutput)
			steps = append(steps, investigationStep{Tool: call.Name, Input: call.Input,
				Output: output, Error: toolErr != nil})

			result := &ToolResult{ToolUseID: call.ID, Content: output}
			if toolErr != nil {
				result.Content = toolErr.Error()
				result.IsError = true
			}
			messages = append(messages, Message{Role: "user", ToolResult: result})

			if ctx.Err() != nil {
				return a.escalate("deadline", confidence, lastAnalysis, steps), nil
			}
		}
	}

	return a.escalate(fmt.Sprintf("no proposal after %d steps", a.cfg.MaxSteps),
		confidence, lastAnalysis, steps), nil
}

func (a *Agent) acceptProposal(call ToolCall, confidence float64, analysis string, steps []investigationStep) (Plan, string) {
	host := strArg(call.Input, "host")
	rationale := strArg(call.Input, "rationale")
	commands := strSliceArg(call.Input, "commands")

	if host == "" || len(commands) == 0 {
		return Plan{}, "propose_action requires a host and at least one command"
	}
	if confidence < mutatingConfidenceFloor {
		return Plan{}, fmt.Sprintf("confidence %.2f is below the %.2f required for mutating actions, continue investigating or conclude",
			confidence, mutatingConfidenceFloor)
	}
	if looksDestructive(commands) && confidence < destructiveConfidenceFloor {
		return Plan{}, fmt.Sprintf("confidence %.2f is below the %.2f required for destructive actions",
			confidence, destructiveConfidenceFloor)
	}

	log.Info().
		Str("host", host).
		Int("commands", len(commands)).
		Float64("confidence", confidence).
		Msg("Agent proposed action")

	return Plan{
		Actionable: true,
		Host:       host,
		Commands:   commands,
		Rationale:  rationale,
		Confidence: confidence,
		Analysis:   analysis,
		Steps:      marshalSteps(steps),
	}, ""
}

func (a *Agent) escalate(reason string, confidence float64, analysis string, steps []investigationStep) Plan {
	return Plan{
		Actionable:     false,
		Confidence:     confidence,
		Analysis:       analysis,
		Steps:          marshalSteps(steps),
		EscalateReason: reason,
	}
}

func (a *Agent) dispatch(ctx context.Context, call ToolCall) (string, error) {
	switch call.Name {
	case "run_diagnostic":
		return a.tools.RunDiagnostic(ctx, strArg(call.Input, "host"), strArg(call.Input, "command"))
	case "gather_logs":
		return a.tools.GatherLogs(ctx,
			strArg(call.Input, "host"),
			strArg(call.Input, "service_type"),
			strArg(call.Input, "service_name"),
			intArg(call.Input, "lines", 50))
	case "query_metric":
		rng := time.Duration(intArg(call.Input, "range_minutes", 0)) * time.Minute
		return a.tools.QueryMetric(ctx, strArg(call.Input, "expr"), rng)
	case "query_logs":
		return a.tools.SearchLogs(ctx,
			strArg(call.Input, "expr"),
			intArg(call.Input, "minutes", 15),
			intArg(call.Input, "limit", 100))
	case "check_service_status":
		return a.tools.CheckServiceStatus(ctx,
			strArg(call.Input, "host"),
			strArg(call.Input, "service_type"),
			strArg(call.Input, "service_name"))
	}
	return "", fmt.Errorf("unknown tool %q", call.Name)
}

func marshalSteps(steps []investigationStep) string {
	if len(steps) == 0 {
		return ""
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return ""
	}
	return string(data)
}

// looksDestructive flags command sequences that remove or destroy state.
// The validator has the final say; this only raises the confidence bar.
func looksDestructive(commands []string) bool {
	keywords := []string{"rm ", "prune", "destroy", "delete", "truncate", "drop "}
	for _, cmd := range commands {
		lower := strings.ToLower(cmd)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}

func strArg(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func intArg(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func floatArg(input map[string]any, key string, fallback float64) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func strSliceArg(input map[string]any, key string) []string {
	raw, ok := input[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
