// Package orchestrator stitches the pipeline together: gates each incoming
// alert (dedup, maintenance, cascade, host availability, attempt budget),
// picks a remediation tier, runs or reasons out a plan, verifies the result
// against the monitoring system, and feeds the outcome back into learning.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/agent"
	"github.com/tallenb/remedy/internal/config"
	"github.com/tallenb/remedy/internal/learning"
	"github.com/tallenb/remedy/internal/logsearch"
	"github.com/tallenb/remedy/internal/models"
	"github.com/tallenb/remedy/internal/monitoring"
	"github.com/tallenb/remedy/internal/queue"
	"github.com/tallenb/remedy/internal/sshexec"
	"github.com/tallenb/remedy/internal/suppress"
	"github.com/tallenb/remedy/internal/telemetry"
	"github.com/tallenb/remedy/internal/validator"
)

// Store is the persistence surface the orchestrator depends on.
type Store interface {
	AdmitFingerprint(ctx context.Context, fingerprint string, cooldown time.Duration) (bool, time.Time, error)
	CountActionableAttempts(ctx context.Context, alertname, instance string, window time.Duration) (int, error)
	AppendAttempt(ctx context.Context, attempt models.Attempt) error
	SetEscalation(ctx context.Context, alertname, instance string) error
	LastEscalation(ctx context.Context, alertname, instance string) (time.Time, bool, error)
	ClearEscalation(ctx context.Context, alertname, instance string) error
	IsSuppressed(ctx context.Context, host string) (bool, string, error)
	InsertSnapshot(ctx context.Context, snap models.StateSnapshot) error
	Ping(ctx context.Context) error
}

// Monitoring verifies resolution and answers metric queries for the agent.
type Monitoring interface {
	VerifyResolution(ctx context.Context, alertname, instance string, deadline, poll time.Duration) (bool, string, error)
	QueryInstant(ctx context.Context, expr string) ([]monitoring.Series, error)
	QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) ([]monitoring.Series, error)
}

// LogSearch answers the agent's log queries.
type LogSearch interface {
	Query(ctx context.Context, expr string, start, end time.Time, limit int) ([]logsearch.Line, error)
}

// Executor runs validated commands on target hosts.
type Executor interface {
	Execute(ctx context.Context, host, command string, timeout time.Duration) (sshexec.Result, error)
}

// Learner is the tiered pattern engine.
type Learner interface {
	Find(ctx context.Context, alert models.Alert) learning.Lookup
	RecordSuccess(ctx context.Context, alert models.Alert, commands []string) error
	RecordFailure(ctx context.Context, alert models.Alert, commands []string, reason string) error
	KnownFailures(ctx context.Context, alertname string) []models.FailurePattern
}

// Reasoner is the LLM investigation loop.
type Reasoner interface {
	Investigate(ctx context.Context, req agent.Request) (agent.Plan, error)
}

// HostGate reports host availability.
type HostGate interface {
	IsAvailable(host string) (bool, string)
}

// Notifier delivers terminal-state notifications.
type Notifier interface {
	Success(ctx context.Context, attempt models.Attempt)
	Escalation(ctx context.Context, attempt models.Attempt, reason string)
	Info(ctx context.Context, title, description string)
	SuppressionSummary(ctx context.Context, records []suppress.SuppressedRecord)
}

// Correlator is the cascade suppressor.
type Correlator interface {
	Observe(alert models.Alert)
	Check(alert models.Alert) suppress.Decision
	ClearResolved(alertname, instance string)
	DrainSummary() []suppress.SuppressedRecord
}

// CommandValidator decides whether commands may run.
type CommandValidator interface {
	Validate(command string, vctx validator.Context) validator.Verdict
	IsDiagnostic(command string) bool
}

// Deps bundles the injected collaborators.
type Deps struct {
	Store      Store
	Monitoring Monitoring
	Logs       LogSearch
	Executor   Executor
	Learner    Learner
	Reasoner   Reasoner
	Hosts      HostGate
	Notifier   Notifier
	Suppressor Correlator
	Validator  CommandValidator
	Queue      *queue.Queue
}

// Orchestrator is the per-alert state machine driver.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	tasks    sync.WaitGroup
	degraded atomic.Bool
}

// New creates an Orchestrator.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		keys: make(map[string]*sync.Mutex),
	}
}

// SetReasoner attaches the reasoning agent. The agent's toolbox routes
// through this orchestrator, so it is wired after construction.
func (o *Orchestrator) SetReasoner(r Reasoner) {
	o.deps.Reasoner = r
}

// HandleEnvelope processes every alert in a webhook envelope. Alerts run
// concurrently; each one is serialized on its (alertname, instance) key.
func (o *Orchestrator) HandleEnvelope(ctx context.Context, env models.WebhookEnvelope) {
	for _, alert := range env.Alerts {
		if alert.Status == "" {
			alert.Status = env.Status
		}
		o.tasks.Add(1)
		go func(a models.Alert) {
			defer o.tasks.Done()
			o.HandleAlert(ctx, a)
		}(alert)
	}
}

// Wait blocks until every in-flight alert handler has reached a terminal
// state. Called during shutdown, before the executor and store close.
func (o *Orchestrator) Wait() {
	o.tasks.Wait()
}

// HandleAlert runs the full state machine for one alert. It blocks until
// the alert reaches a terminal state.
func (o *Orchestrator) HandleAlert(ctx context.Context, alert models.Alert) {
	alert.EnsureFingerprint()
	telemetry.AlertsReceived.WithLabelValues(string(alert.Status)).Inc()

	if alert.Status == models.StatusResolved {
		o.handleResolved(ctx, alert)
		return
	}

	// All processing for one (alertname, instance) is serialized here. This
	// is the sole mechanism preventing double remediation.
	mu := o.keyLock(alert.Key())
	mu.Lock()
	defer mu.Unlock()

	logger := log.With().
		Str("alertname", alert.Alertname()).
		Str("instance", alert.Instance()).
		Str("fingerprint", alert.Fingerprint).
		Logger()

	admitted, _, err := o.deps.Store.AdmitFingerprint(ctx, alert.Fingerprint, o.cfg.DedupCooldown)
	if err != nil {
		o.enqueue(alert, err)
		return
	}
	o.markHealthy()
	if !admitted {
		telemetry.AlertsDeduplicated.Inc()
		logger.Debug().Msg("Alert deduplicated")
		return
	}

	host := alert.TargetHost()

	if suppressed, reason, serr := o.deps.Store.IsSuppressed(ctx, host); serr == nil && suppressed {
		telemetry.AlertsSuppressed.WithLabelValues("maintenance").Inc()
		logger.Info().Str("reason", reason).Msg("Alert suppressed by maintenance window")
		return
	}

	if decision := o.deps.Suppressor.Check(alert); decision.Suppressed {
		telemetry.AlertsSuppressed.WithLabelValues("cascade").Inc()
		logger.Info().Str("suppressedBy", decision.Root).Str("reason", decision.Reason).Msg("Alert suppressed by cascade")
		return
	}
	o.deps.Suppressor.Observe(alert)

	if available, hint := o.deps.Hosts.IsAvailable(host); !available {
		o.skipHostOffline(ctx, alert, host)
		return
	} else if hint != "" {
		logger.Warn().Str("host", host).Msg(hint)
	}

	window := o.cfg.AttemptWindowFor(alert.Alertname())
	count, err := o.deps.Store.CountActionableAttempts(ctx, alert.Alertname(), alert.Instance(), window)
	if err != nil {
		o.enqueue(alert, err)
		return
	}

	maxAttempts := o.cfg.MaxAttemptsFor(alert.Alertname())
	if count >= maxAttempts {
		o.escalate(ctx, alert, models.Attempt{
			AlertFingerprint: alert.Fingerprint,
			Alertname:        alert.Alertname(),
			Instance:         alert.Instance(),
			AttemptNumber:    count,
			Severity:         alert.Severity(),
			Timestamp:        time.Now(),
		}, fmt.Sprintf("attempt budget exhausted (%d in %s)", count, window), false)
		return
	}

	o.runAttempt(ctx, alert, host, count+1, maxAttempts)
}

// handleResolved clears cooldowns and cascade markers so the next firing of
// this key starts a fresh episode.
func (o *Orchestrator) handleResolved(ctx context.Context, alert models.Alert) {
	alertname, instance := alert.Alertname(), alert.Instance()

	if err := o.deps.Store.ClearEscalation(ctx, alertname, instance); err != nil {
		log.Warn().Str("alertname", alertname).Err(err).Msg("Failed to clear escalation cooldown")
	}
	o.deps.Suppressor.ClearResolved(alertname, instance)

	log.Info().Str("alertname", alertname).Str("instance", instance).Msg("Alert resolved")
	o.deps.Notifier.Info(ctx, fmt.Sprintf("Resolved: %s", alertname),
		fmt.Sprintf("%s on %s resolved, cooldowns cleared", alertname, instance))
}

func (o *Orchestrator) skipHostOffline(ctx context.Context, alert models.Alert, host string) {
	telemetry.AlertsSuppressed.WithLabelValues("host_offline").Inc()
	log.Warn().
		Str("alertname", alert.Alertname()).
		Str("host", host).
		Msg("Skipping remediation, host offline")

	attempt := models.Attempt{
		ID:               newID(),
		AlertFingerprint: alert.Fingerprint,
		Alertname:        alert.Alertname(),
		Instance:         alert.Instance(),
		Severity:         alert.Severity(),
		Error:            "host offline",
		Timestamp:        time.Now(),
		Actionable:       false,
	}
	if err := o.deps.Store.AppendAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Msg("Failed to record host-offline skip")
	}
	o.deps.Notifier.Info(ctx, fmt.Sprintf("Host offline: %s", host),
		fmt.Sprintf("%s is firing on %s but the host is unreachable, no remediation attempted", alert.Alertname(), host))
}

// escalate records the escalation and notifies, unless the key already
// escalated within its cooldown (the notification is deduplicated, the
// state is not re-recorded).
func (o *Orchestrator) escalate(ctx context.Context, alert models.Alert, attempt models.Attempt, reason string, recordAttempt bool) {
	alertname, instance := alert.Alertname(), alert.Instance()
	cooldown := o.cfg.EscalationCooldownFor(alertname)

	last, found, err := o.deps.Store.LastEscalation(ctx, alertname, instance)
	if err == nil && found && time.Since(last) < cooldown {
		log.Debug().
			Str("alertname", alertname).
			Time("lastEscalation", last).
			Msg("Escalation already notified within cooldown")
		return
	}

	attempt.Escalated = true
	if attempt.Error == "" {
		attempt.Error = reason
	}
	if attempt.ID == "" {
		attempt.ID = newID()
	}

	if recordAttempt {
		if err := o.deps.Store.AppendAttempt(ctx, attempt); err != nil {
			log.Error().Err(err).Msg("Failed to record escalated attempt")
		}
	}
	if err := o.deps.Store.SetEscalation(ctx, alertname, instance); err != nil {
		log.Error().Err(err).Msg("Failed to record escalation cooldown")
	}

	telemetry.EscalationsTotal.Inc()
	log.Warn().
		Str("alertname", alertname).
		Str("instance", instance).
		Str("reason", reason).
		Msg("Escalating to human")
	o.deps.Notifier.Escalation(ctx, attempt, reason)
}

// enqueue parks an alert in the degraded-mode queue after a store failure
// during admission.
func (o *Orchestrator) enqueue(alert models.Alert, cause error) {
	log.Error().
		Str("alertname", alert.Alertname()).
		Str("fingerprint", alert.Fingerprint).
		Err(cause).
		Msg("Store unavailable, queueing alert")

	o.deps.Queue.Push(alert)
	o.degraded.Store(true)
	telemetry.QueueDepth.Set(float64(o.deps.Queue.Len()))
}

func (o *Orchestrator) markHealthy() {
	if o.degraded.Load() && o.deps.Queue.Len() == 0 {
		o.degraded.Store(false)
	}
	telemetry.QueueDepth.Set(float64(o.deps.Queue.Len()))
}

// Degraded reports whether the service is queueing writes or the store is
// unreachable. The store is probed directly so a quiet outage (no inbound
// alerts to fail a write) still flips the health endpoint.
func (o *Orchestrator) Degraded() bool {
	if o.degraded.Load() || o.deps.Queue.Len() > 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return o.deps.Store.Ping(ctx) != nil
}

// RunSummaryLoop periodically flushes suppressed alerts into one summary
// notification.
func (o *Orchestrator) RunSummaryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if batch := o.deps.Suppressor.DrainSummary(); len(batch) > 0 {
				o.deps.Notifier.SuppressionSummary(ctx, batch)
			}
		}
	}
}

func (o *Orchestrator) keyLock(key string) *sync.Mutex {
	o.keyMu.Lock()
	defer o.keyMu.Unlock()
	mu, ok := o.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		o.keys[key] = mu
	}
	return mu
}
