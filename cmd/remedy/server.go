package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tallenb/remedy/internal/agent"
	"github.com/tallenb/remedy/internal/api"
	"github.com/tallenb/remedy/internal/config"
	"github.com/tallenb/remedy/internal/hostmon"
	"github.com/tallenb/remedy/internal/learning"
	"github.com/tallenb/remedy/internal/logging"
	"github.com/tallenb/remedy/internal/logsearch"
	"github.com/tallenb/remedy/internal/models"
	"github.com/tallenb/remedy/internal/monitoring"
	"github.com/tallenb/remedy/internal/notify"
	"github.com/tallenb/remedy/internal/orchestrator"
	"github.com/tallenb/remedy/internal/queue"
	"github.com/tallenb/remedy/internal/sshexec"
	"github.com/tallenb/remedy/internal/store"
	"github.com/tallenb/remedy/internal/suppress"
	"github.com/tallenb/remedy/internal/validator"
)

func runCheckConfig() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	fmt.Println("configuration OK")
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(exitConfigInvalid)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "remedy",
	})

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Configuration invalid")
		os.Exit(exitConfigInvalid)
	}

	log.Info().
		Str("version", Version).
		Int("hosts", len(cfg.Hosts)).
		Str("model", cfg.Model).
		Msg("Starting remedy")

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open store")
		os.Exit(exitStartupFailure)
	}
	defer db.Close()

	monitor := hostmon.New(cfg.Hosts, db)

	executor, err := sshexec.New(cfg.Hosts, cfg.SSHTimeout, monitor)
	if err != nil {
		// Key preflight failures land here. Retrying cannot fix file modes.
		log.Error().Err(err).Msg("SSH executor startup failed")
		os.Exit(exitStartupFailure)
	}
	defer executor.CloseAll()

	promClient, err := monitoring.New(cfg.PrometheusURL, cfg.QueryTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build monitoring client")
		os.Exit(exitStartupFailure)
	}

	vdr := validator.New(validator.Config{
		SelfIdentities:  cfg.SelfIdentities,
		ExtraBlocked:    cfg.BlocklistExtra,
		Allowlist:       validatorAllowlist(cfg),
		SafePipeHeads:   cfg.SafePipeHeads,
		DiagnosticHeads: cfg.DiagnosticHeads,
	})

	alertQueue := queue.New(cfg.QueueCapacity, cfg.QueueEntryTTL)
	suppressor := suppress.New(suppress.Config{
		CascadePairs: cascadePairs(cfg),
		Dependencies: cfg.DependencyMap,
	})
	engine := learning.New(db, cfg.SignatureLabels)
	notifier := notify.New(cfg.NotifyWebhookURL)
	provider := agent.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.Model, "", 0)

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Store:      db,
		Monitoring: promClient,
		Logs:       logsearch.New(cfg.LokiURL, 0),
		Executor:   executor,
		Learner:    engine,
		Hosts:      monitor,
		Notifier:   notifier,
		Suppressor: suppressor,
		Validator:  vdr,
		Queue:      alertQueue,
	})
	orch.SetReasoner(agent.New(provider, orchestrator.NewToolbox(orch), agent.Config{
		Model:       cfg.Model,
		MaxSteps:    cfg.MaxSteps,
		MaxDuration: cfg.MaxLLMDuration,
	}))

	server := api.New(api.Config{
		ListenAddr: cfg.ListenAddr,
		User:       cfg.WebhookUser,
		Pass:       cfg.WebhookPass,
	}, orch, db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start()
	defer monitor.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		queue.NewDrainer(alertQueue, db, func(ctx context.Context, a models.Alert) {
			orch.HandleAlert(ctx, a)
		}).Run(gctx)
		return nil
	})
	g.Go(func() error {
		orch.RunSummaryLoop(gctx, 5*time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	werr := g.Wait()

	// Let in-flight alert handlers reach a terminal state before the
	// deferred executor and store teardown runs under them.
	orch.Wait()

	if werr != nil {
		log.Error().Err(werr).Msg("Server exited with error")
		os.Exit(exitStartupFailure)
	}
	log.Info().Msg("Shutdown complete")
}

func validatorAllowlist(cfg *config.Config) map[string]validator.CommandPolicy {
	out := make(map[string]validator.CommandPolicy, len(cfg.Allowlist))
	for head, policy := range cfg.Allowlist {
		out[head] = validator.CommandPolicy{DeniedFlags: policy.DeniedFlags}
	}
	return out
}

func cascadePairs(cfg *config.Config) []suppress.CascadePair {
	out := make([]suppress.CascadePair, 0, len(cfg.CascadePairs))
	for _, p := range cfg.CascadePairs {
		out = append(out, suppress.CascadePair{A: p.A, B: p.B, Root: p.Root})
	}
	return out
}
