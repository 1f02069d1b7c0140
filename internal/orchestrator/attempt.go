package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/agent"
	remerr "github.com/tallenb/remedy/internal/errors"
	"github.com/tallenb/remedy/internal/learning"
	"github.com/tallenb/remedy/internal/models"
	"github.com/tallenb/remedy/internal/telemetry"
	"github.com/tallenb/remedy/internal/validator"
)

// runAttempt executes one remediation episode: tier lookup, reasoning if
// needed, validation, execution, verification, learning, notification.
func (o *Orchestrator) runAttempt(ctx context.Context, alert models.Alert, host string, attemptNumber, maxAttempts int) {
	start := time.Now()
	attempt := models.Attempt{
		ID:               newID(),
		AlertFingerprint: alert.Fingerprint,
		Alertname:        alert.Alertname(),
		Instance:         alert.Instance(),
		AttemptNumber:    attemptNumber,
		Severity:         alert.Severity(),
		Timestamp:        start,
	}

	plan, ok := o.buildPlan(ctx, alert, host, &attempt)
	if !ok {
		attempt.DurationSeconds = time.Since(start).Seconds()
		return
	}
	attempt.Analysis = plan.Analysis
	if plan.Rationale != "" {
		attempt.Analysis = plan.Rationale
	}
	attempt.InvestigationSteps = plan.Steps

	if denied := o.validatePlan(ctx, alert, plan, &attempt); denied {
		attempt.DurationSeconds = time.Since(start).Seconds()
		return
	}

	// The plan passed validation. The attempt is actionable when at least
	// one command mutates; diagnostic-only plans do not consume budget.
	attempt.Actionable = false
	for _, cmd := range plan.Commands {
		if !o.deps.Validator.IsDiagnostic(cmd) {
			attempt.Actionable = true
			break
		}
	}

	if attempt.Actionable {
		o.captureSnapshot(ctx, alert, plan.Host)
	}

	execErr := o.executeCommands(ctx, plan, &attempt)

	o.verifyAndFinish(ctx, alert, plan, &attempt, execErr, maxAttempts)
	attempt.DurationSeconds = time.Since(start).Seconds()
	if err := o.deps.Store.AppendAttempt(ctx, attempt); err != nil {
		log.Error().Str("attempt", attempt.ID).Err(err).Msg("Failed to persist attempt")
	}
}

// buildPlan resolves the tier lookup into an executable plan, invoking the
// reasoning agent for tiers 1 and 2. Returns false when the episode ended
// without a plan (escalation or nothing to do).
func (o *Orchestrator) buildPlan(ctx context.Context, alert models.Alert, host string, attempt *models.Attempt) (agent.Plan, bool) {
	lookup := o.deps.Learner.Find(ctx, alert)

	switch lookup.Tier {
	case learning.Tier0Cached:
		telemetry.TierLookups.WithLabelValues("cached").Inc()
		log.Info().
			Str("alertname", alert.Alertname()).
			Strs("commands", lookup.Commands).
			Msg("Applying cached pattern without reasoning")
		return agent.Plan{
			Actionable: true,
			Host:       host,
			Commands:   lookup.Commands,
			Analysis:   "applied cached remediation pattern",
			Confidence: 1,
		}, true
	case learning.Tier1Hint:
		telemetry.TierLookups.WithLabelValues("hint").Inc()
		// A hint is a partial match. For critical alertnames that is not
		// enough to act on without a human; proven (tier 0) patterns and
		// full investigations still run.
		if o.cfg.IsCritical(alert.Alertname()) {
			attempt.Actionable = false
			o.escalate(ctx, alert, *attempt,
				"alert is marked critical, hint-assisted remediation needs human approval", true)
			telemetry.AttemptsTotal.WithLabelValues("escalated").Inc()
			return agent.Plan{}, false
		}
	default:
		telemetry.TierLookups.WithLabelValues("full").Inc()
	}

	plan, err := o.deps.Reasoner.Investigate(ctx, agent.Request{
		Alert:         alert,
		TargetHost:    host,
		Hint:          lookup.Hint,
		KnownFailures: o.deps.Learner.KnownFailures(ctx, alert.Alertname()),
	})
	if err != nil {
		// Reasoning unavailability should not burn attempt budget.
		attempt.Error = err.Error()
		attempt.Actionable = false
		if serr := o.deps.Store.AppendAttempt(ctx, *attempt); serr != nil {
			log.Error().Err(serr).Msg("Failed to persist failed-reasoning attempt")
		}
		log.Error().Str("alertname", alert.Alertname()).Err(err).Msg("Reasoning failed")
		o.deps.Notifier.Info(ctx, fmt.Sprintf("Reasoning unavailable: %s", alert.Alertname()),
			"the LLM could not be reached, no remediation attempted")
		return agent.Plan{}, false
	}

	if !plan.Actionable {
		attempt.Analysis = plan.Analysis
		attempt.InvestigationSteps = plan.Steps
		attempt.Actionable = false
		if plan.EscalateReason != "" {
			o.escalate(ctx, alert, *attempt, plan.EscalateReason, true)
			telemetry.AttemptsTotal.WithLabelValues("escalated").Inc()
			return agent.Plan{}, false
		}
		// The agent concluded nothing is wrong enough to act on.
		if err := o.deps.Store.AppendAttempt(ctx, *attempt); err != nil {
			log.Error().Err(err).Msg("Failed to persist no-action attempt")
		}
		telemetry.AttemptsTotal.WithLabelValues("no_action").Inc()
		o.deps.Notifier.Info(ctx, fmt.Sprintf("No action: %s", alert.Alertname()),
			firstLine(plan.Analysis))
		return agent.Plan{}, false
	}

	return plan, true
}

// validatePlan checks every proposed command before any execution. A single
// denial terminates the episode: nothing runs, the key escalates.
func (o *Orchestrator) validatePlan(ctx context.Context, alert models.Alert, plan agent.Plan, attempt *models.Attempt) bool {
	vctx := validator.Context{Host: plan.Host, Alertname: alert.Alertname()}
	for _, cmd := range plan.Commands {
		verdict := o.deps.Validator.Validate(cmd, vctx)
		if verdict.Allowed {
			telemetry.CommandVerdicts.WithLabelValues("allow").Inc()
			continue
		}
		telemetry.CommandVerdicts.WithLabelValues("deny").Inc()
		reason := fmt.Sprintf("PolicyDeny: %s", verdict.Reason)
		log.Warn().
			Str("alertname", alert.Alertname()).
			Str("command", cmd).
			Str("risk", string(verdict.Risk)).
			Str("reason", verdict.Reason).
			Msg("Proposed command denied")

		attempt.Error = reason
		o.escalate(ctx, alert, *attempt, reason, true)
		telemetry.AttemptsTotal.WithLabelValues("policy_deny").Inc()
		return true
	}
	return false
}

// executeCommands runs the plan in order, stopping at the first failure.
func (o *Orchestrator) executeCommands(ctx context.Context, plan agent.Plan, attempt *models.Attempt) error {
	for _, cmd := range plan.Commands {
		res, err := o.deps.Executor.Execute(ctx, plan.Host, cmd, o.cfg.SSHTimeout)
		attempt.CommandsExecuted = append(attempt.CommandsExecuted, cmd)
		attempt.ExitCodes = append(attempt.ExitCodes, res.ExitCode)

		if err != nil {
			attempt.Error = err.Error()
			return err
		}
		if res.ExitCode != 0 {
			attempt.Error = fmt.Sprintf("command %q exited %d: %s", cmd, res.ExitCode, firstLine(res.Stderr))
			return fmt.Errorf("%s", attempt.Error)
		}
	}
	return nil
}

// verifyAndFinish confirms resolution against the monitoring system and
// records the learning outcome. An unverifiable outcome counts as a failed
// attempt for pacing but records no failure pattern.
func (o *Orchestrator) verifyAndFinish(ctx context.Context, alert models.Alert, plan agent.Plan, attempt *models.Attempt, execErr error, maxAttempts int) {
	if execErr == nil {
		resolved, msg, verr := o.deps.Monitoring.VerifyResolution(ctx,
			alert.Alertname(), alert.Instance(), o.cfg.VerifyDeadline, o.cfg.VerifyPoll)

		if verr != nil {
			// Counted against the budget, but the commands are not
			// condemned: nothing proved they failed.
			attempt.Success = false
			if attempt.Error == "" {
				attempt.Error = msg
			}
			telemetry.AttemptsTotal.WithLabelValues("unknown").Inc()
			log.Warn().
				Str("alertname", alert.Alertname()).
				Str("kind", string(remerr.KindOf(verr))).
				Err(verr).
				Msg("Verification outcome unknown")
			o.failureNotify(ctx, alert, attempt, maxAttempts)
			return
		}

		if resolved {
			attempt.Success = true
			telemetry.AttemptsTotal.WithLabelValues("success").Inc()
			log.Info().
				Str("alertname", alert.Alertname()).
				Int("attempt", attempt.AttemptNumber).
				Msg("Remediation verified")
			if attempt.Actionable {
				if err := o.deps.Learner.RecordSuccess(ctx, alert, plan.Commands); err != nil {
					log.Warn().Err(err).Msg("Failed to credit pattern")
				}
			}
			o.deps.Notifier.Success(ctx, *attempt)
			return
		}

		attempt.Success = false
		if attempt.Error == "" {
			attempt.Error = msg
		}
	}

	telemetry.AttemptsTotal.WithLabelValues("failed").Inc()
	if attempt.Actionable {
		if err := o.deps.Learner.RecordFailure(ctx, alert, plan.Commands, attempt.Error); err != nil {
			log.Warn().Err(err).Msg("Failed to record failure pattern")
		}
	}
	o.failureNotify(ctx, alert, attempt, maxAttempts)
}

// failureNotify emits the single notification for a failed attempt: an
// escalation when the budget is now exhausted, an informational note
// otherwise. The escalated flag is set on the caller's attempt so the
// persisted row reflects it.
func (o *Orchestrator) failureNotify(ctx context.Context, alert models.Alert, attempt *models.Attempt, maxAttempts int) {
	if attempt.Actionable && attempt.AttemptNumber >= maxAttempts {
		attempt.Escalated = true
		o.escalate(ctx, alert, *attempt,
			fmt.Sprintf("remediation failed %d time(s), budget exhausted", attempt.AttemptNumber), false)
		return
	}
	o.deps.Notifier.Info(ctx, fmt.Sprintf("Attempt %d failed: %s", attempt.AttemptNumber, attempt.Alertname),
		firstLine(attempt.Error))
}

// captureSnapshot records the target's pre-change state. Best effort: a
// snapshot failure never blocks remediation.
func (o *Orchestrator) captureSnapshot(ctx context.Context, alert models.Alert, host string) {
	target := alert.Labels["container"]
	inspectCmd, logsCmd := "", ""
	switch {
	case target != "" && safeIdentifier(target):
		inspectCmd = "docker inspect " + target
		logsCmd = "docker logs --tail 50 " + target
	case alert.Labels["service"] != "" && safeIdentifier(alert.Labels["service"]):
		target = alert.Labels["service"]
		inspectCmd = "systemctl status " + target + " --no-pager"
	default:
		return
	}

	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	snap := models.StateSnapshot{
		ID:        newID(),
		Host:      host,
		Target:    target,
		CreatedAt: time.Now(),
	}
	if res, err := o.deps.Executor.Execute(sctx, host, inspectCmd, 10*time.Second); err == nil {
		snap.Inspect = res.Stdout
	}
	if logsCmd != "" {
		if res, err := o.deps.Executor.Execute(sctx, host, logsCmd, 10*time.Second); err == nil {
			snap.Logs = res.Stdout + res.Stderr
		}
	}
	if snap.Inspect == "" && snap.Logs == "" {
		return
	}
	if err := o.deps.Store.InsertSnapshot(ctx, snap); err != nil {
		log.Debug().Err(err).Str("target", target).Msg("Failed to store snapshot")
	}
}

// safeIdentifier rejects label values that could smuggle shell syntax into
// a constructed command.
func safeIdentifier(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newID() string {
	return uuid.NewString()
}
