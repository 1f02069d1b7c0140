package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tallenb/remedy/internal/monitoring"
	"github.com/tallenb/remedy/internal/validator"
)

// Toolbox adapts the orchestrator's collaborators into the read-only tool
// surface the reasoning agent sees. Every shell-touching tool goes through
// the validator; the agent cannot mutate anything from here.
type Toolbox struct {
	o *Orchestrator
}

// NewToolbox creates the agent's toolbox.
func NewToolbox(o *Orchestrator) *Toolbox {
	return &Toolbox{o: o}
}

// RunDiagnostic executes a command only if the validator both allows it and
// classifies it as diagnostic.
func (t *Toolbox) RunDiagnostic(ctx context.Context, host, command string) (string, error) {
	verdict := t.o.deps.Validator.Validate(command, validator.Context{Host: host})
	if !verdict.Allowed {
		return "", fmt.Errorf("command rejected: %s", verdict.Reason)
	}
	if !t.o.deps.Validator.IsDiagnostic(command) {
		return "", fmt.Errorf("command is not diagnostic, use propose_action for mutating commands")
	}

	res, err := t.o.deps.Executor.Execute(ctx, host, command, t.o.cfg.SSHTimeout)
	if err != nil {
		return "", err
	}
	return combineOutput(res.Stdout, res.Stderr, res.ExitCode), nil
}

// GatherLogs fetches the log tail of a container or systemd unit.
func (t *Toolbox) GatherLogs(ctx context.Context, host, serviceType, serviceName string, lines int) (string, error) {
	if !safeIdentifier(serviceName) {
		return "", fmt.Errorf("invalid service name %q", serviceName)
	}
	if lines <= 0 || lines > 200 {
		lines = 50
	}

	var command string
	switch serviceType {
	case "docker":
		command = fmt.Sprintf("docker logs --tail %d %s", lines, serviceName)
	case "systemd":
		command = fmt.Sprintf("journalctl -u %s -n %d --no-pager", serviceName, lines)
	default:
		return "", fmt.Errorf("unknown service type %q, expected docker or systemd", serviceType)
	}

	res, err := t.o.deps.Executor.Execute(ctx, host, command, t.o.cfg.SSHTimeout)
	if err != nil {
		return "", err
	}
	return combineOutput(res.Stdout, res.Stderr, res.ExitCode), nil
}

// QueryMetric evaluates a PromQL expression, instant or range.
func (t *Toolbox) QueryMetric(ctx context.Context, expr string, rng time.Duration) (string, error) {
	var series []monitoring.Series
	var err error
	if rng > 0 {
		end := time.Now()
		step := rng / 30
		if step < 15*time.Second {
			step = 15 * time.Second
		}
		series, err = t.o.deps.Monitoring.QueryRange(ctx, expr, end.Add(-rng), end, step)
	} else {
		series, err = t.o.deps.Monitoring.QueryInstant(ctx, expr)
	}
	if err != nil {
		return "", err
	}
	if len(series) == 0 {
		return "no data", nil
	}
	return formatSeries(series), nil
}

// SearchLogs queries the log aggregator over a recent window.
func (t *Toolbox) SearchLogs(ctx context.Context, expr string, minutes, limit int) (string, error) {
	if minutes <= 0 {
		minutes = 15
	}
	end := time.Now()
	lines, err := t.o.deps.Logs.Query(ctx, expr, end.Add(-time.Duration(minutes)*time.Minute), end, limit)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "no matching log lines", nil
	}

	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "%s %s\n", line.Timestamp.Format(time.RFC3339), line.Message)
	}
	return b.String(), nil
}

// CheckServiceStatus returns the running/exit state of a container or unit.
func (t *Toolbox) CheckServiceStatus(ctx context.Context, host, serviceType, serviceName string) (string, error) {
	if !safeIdentifier(serviceName) {
		return "", fmt.Errorf("invalid service name %q", serviceName)
	}

	var command string
	switch serviceType {
	case "docker":
		command = fmt.Sprintf("docker inspect --format '{{.State.Status}} exit={{.State.ExitCode}}' %s", serviceName)
	case "systemd":
		command = fmt.Sprintf("systemctl status %s --no-pager", serviceName)
	default:
		return "", fmt.Errorf("unknown service type %q, expected docker or systemd", serviceType)
	}

	res, err := t.o.deps.Executor.Execute(ctx, host, command, t.o.cfg.SSHTimeout)
	if err != nil {
		return "", err
	}
	return combineOutput(res.Stdout, res.Stderr, res.ExitCode), nil
}

func combineOutput(stdout, stderr string, exitCode int) string {
	out := strings.TrimSpace(stdout)
	if errOut := strings.TrimSpace(stderr); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += "[stderr] " + errOut
	}
	if exitCode != 0 {
		out += fmt.Sprintf("\n[exit code %d]", exitCode)
	}
	if out == "" {
		return "(no output)"
	}
	return out
}

func formatSeries(series []monitoring.Series) string {
	var b strings.Builder
	for _, s := range series {
		b.WriteString(labelString(s.Labels))
		for _, v := range s.Values {
			fmt.Fprintf(&b, " %s=%g", v.Timestamp.Format("15:04:05"), v.Value)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
