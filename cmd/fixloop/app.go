package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"fixloop/pkg/admission"
	"fixloop/pkg/broadcast"
	"fixloop/pkg/budget"
	"fixloop/pkg/config"
	"fixloop/pkg/fixattempt"
	"fixloop/pkg/jobrunner"
	"fixloop/pkg/notify"
	"fixloop/pkg/orchestrator"
	"fixloop/pkg/spawn"
	"fixloop/pkg/store"
)

// app is the wired engine behind every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	issues   *store.Issues
	activity *store.Activity
	ledger   *budget.Ledger
	gate     *admission.Gate
	fixes    *fixattempt.Tracker
	notifier *notify.Dispatcher
	svc      *orchestrator.Service
}

// openApp opens the database and wires the engine. The job runner is built
// only when withRunner is set, so read-only commands work without CI
// credentials.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withRunner bool) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := store.OpenAndMigrate(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	var jobs orchestrator.Jobs
	if withRunner {
		runner, err := newRunner(cfg, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		jobs = jobrunner.NewDispatcher(jobrunner.Config{
			Ref:           cfg.Runner.Ref,
			WorkflowFiles: cfg.Runner.WorkflowFiles(),
		}, runner)
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	a.issues = store.NewIssues(db)
	a.activity = store.NewActivity(db)
	a.ledger = budget.NewLedger(db, cfg.Limits.MaxSpawns)
	a.gate = admission.NewGate(a.ledger, a.issues, cfg.Limits.MaxConcurrent, logger)
	a.notifier = notify.NewDispatcher(newNotifier(cfg, logger), cfg.Notify.Timeout.D(), logger)
	bc := broadcast.NewBroadcaster(broadcast.HubConfig{Logger: logger})

	a.fixes = fixattempt.NewTracker(db, a.issues, fixattempt.Config{
		ObservationWindow: cfg.Verification.ObservationWindow.D(),
		Tolerance:         cfg.Verification.Tolerance,
		ErrorSource:       cfg.Verification.ErrorSource,
		Auditor:           a.activity,
		Publisher:         bc.Activity,
		Notifier:          a.notifier,
		Logger:            logger,
	})
	a.svc = orchestrator.New(orchestrator.Deps{
		Issues: a.issues,
		Gate:   a.gate,
		Jobs:   jobs,
		Budget: a.ledger,
		Spawns: spawn.NewTracker(db, spawn.Config{
			Auditor:   a.activity,
			Publisher: bc.Activity,
			Notifier:  a.notifier,
			Logger:    logger,
		}),
		Fixes:       a.fixes,
		Broadcaster: bc,
		Auditor:     a.activity,
		Notifier:    a.notifier,
	}, orchestrator.Config{SpawnTimeout: cfg.Spawn.Timeout.D(), Logger: logger})
	return a, nil
}

// Close flushes pending notifications and closes the database.
func (a *app) Close() error {
	a.notifier.Close()
	return a.db.Close()
}

// applyLimits pushes reloaded limits into the running engine.
func (a *app) applyLimits(ctx context.Context, cfg *config.Config) {
	if err := a.ledger.SetMax(ctx, a.ledger.Today(), cfg.Limits.MaxSpawns); err != nil {
		a.logger.Warn("applying max_spawns", "error", err)
	}
	a.gate.SetMaxConcurrent(cfg.Limits.MaxConcurrent)
	a.fixes.SetTolerance(cfg.Verification.Tolerance)
}

func newRunner(cfg *config.Config, logger *slog.Logger) (jobrunner.Runner, error) {
	switch cfg.Runner.Kind {
	case config.RunnerGH:
		slug := cfg.Runner.RepoSlug()
		if slug == "" {
			return nil, fmt.Errorf("gh runner: runner.owner and runner.repo are required")
		}
		return jobrunner.NewCLIRunner(&jobrunner.ExecCommandRunner{}, slug), nil
	default:
		gh, err := jobrunner.NewGitHubRunner(jobrunner.GitHubConfig{
			BaseURL: cfg.Runner.BaseURL,
			Owner:   cfg.Runner.Owner,
			Repo:    cfg.Runner.Repo,
			Token:   cfg.Runner.Token,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return gh, nil
	}
}

func newNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	notifiers := notify.Multi{notify.LogNotifier{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, []byte(cfg.Notify.WebhookSecret), nil))
	}
	return notifiers
}

// open loads configuration and wires an app for a one-shot subcommand.
func (f *globalFlags) open(cmd *cobra.Command, withRunner bool) (*app, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return openApp(cmd.Context(), cfg, logger, withRunner)
}
