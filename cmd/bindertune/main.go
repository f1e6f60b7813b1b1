package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foldrl/bindertune/internal/action"
	"github.com/foldrl/bindertune/internal/api"
	"github.com/foldrl/bindertune/internal/batch"
	"github.com/foldrl/bindertune/internal/config"
	"github.com/foldrl/bindertune/internal/dispatch"
	"github.com/foldrl/bindertune/internal/engine"
	"github.com/foldrl/bindertune/internal/episode"
	"github.com/foldrl/bindertune/internal/policy"
	"github.com/foldrl/bindertune/internal/reward"
	"github.com/foldrl/bindertune/internal/scheduler/slurm"
	"github.com/foldrl/bindertune/internal/store"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "bindertune",
		Short: "Policy-gradient tuning of binder-generation parameters",
	}
	root.AddCommand(serveCommand(), versionCommand())
	return root
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the training loop and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func run() error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("bindertune: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"policy_url", cfg.PolicyURL,
		"target", cfg.Target,
		"steps", cfg.Steps,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	slurmClient := slurm.New(slurm.Config{
		WorkDir:     cfg.WorkDir,
		Partition:   cfg.SlurmPartition,
		Gres:        cfg.SlurmGres,
		GenCommand:  cfg.GenCommand,
		EvalCommand: cfg.EvalCommand,
	}, logger)

	dispatcher := dispatch.New(slurmClient, dispatch.Config{
		GenCeiling:        cfg.GenCeiling,
		EvalCeiling:       cfg.EvalCeiling,
		GenTimeout:        cfg.GenTimeout,
		EvalTimeout:       cfg.EvalTimeout,
		PollInterval:      cfg.PollInterval,
		SubmitMaxAttempts: cfg.SubmitMaxAttempts,
		UnavailableAfter:  cfg.UnavailableAfter,
	}, logger)

	history := reward.NewHistory(cfg.HistorySize)
	aggregator := reward.NewAggregator(reward.Config{
		FieldIPTM:         cfg.MetricIPTM,
		FieldPTM:          cfg.MetricPTM,
		FieldContacts:     cfg.MetricContacts,
		ContactSaturation: cfg.ContactSaturation,
		WeightInterface:   cfg.WeightInterface,
		WeightAffinity:    cfg.WeightAffinity,
		WeightValidity:    cfg.WeightValidity,
		WeightDiversity:   cfg.WeightDiversity,
	}, history, logger)

	collector := batch.New(cfg.BatchSize, cfg.BatchDeadline, logger)
	runner := episode.New(
		db,
		action.NewMapper(action.DefaultSpace()),
		dispatcher,
		aggregator,
		history,
		collector,
		episode.Config{TimeoutBudget: cfg.TimeoutBudget, JobFailBudget: cfg.JobFailBudget},
		logger,
	)

	pol := policy.NewHTTPClient(cfg.PolicyURL, cfg.PolicyTimeout)
	eng := engine.New(db, pol, runner, collector, dispatcher, engine.Config{
		Steps:           cfg.Steps,
		EpisodesPerStep: cfg.EpisodesPerStep,
		Target:          cfg.Target,
	}, logger)

	srv := api.NewServer(cfg.ListenAddr, db, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
		// The API server shuts down once the training run is over.
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		return err
	}

	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("training run: %w", err)
	}

	logger.Info("bindertune: stopped")
	return nil
}
