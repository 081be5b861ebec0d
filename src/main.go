// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"taskorchestrator/src/config"
	"taskorchestrator/src/containerization"
	"taskorchestrator/src/development"
	"taskorchestrator/src/logging"
	"taskorchestrator/src/orchestrator"
	"taskorchestrator/src/persistence"
	"taskorchestrator/src/planning"
	"taskorchestrator/src/processor"
	"taskorchestrator/src/scheduler"
	"taskorchestrator/src/versioncontrol"
)

const interruptedReason = "interrupted before completion"

func main() {
	// Load environment variables from .env file, if there is one
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskorchestrator",
		Short: "Plan, build, commit and deploy tasks described in plain language",
		Long: `Task orchestrator: accepts task descriptions, queues them by priority and
runs each through planning, execution and a version-control commit.

Usage modes:
  taskorchestrator            Start the API server (same as 'serve')
  taskorchestrator task ...   Talk to a running server
  taskorchestrator snapshot   Manage persisted task snapshots
  taskorchestrator history    Show commits made for tasks`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), config.Load())
		},
	}

	root.AddCommand(serveCmd(), taskCmd(), snapshotCmd(), historyCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), config.Load())
		},
	}
}

// runServe wires every component and blocks until ctx is done.
func runServe(ctx context.Context, cfg config.Config) error {
	if cfg.OTelEnabled {
		otelShutdown, err := logging.SetupOTelSDK(ctx)
		if err != nil {
			return fmt.Errorf("failed to setup OTel SDK: %w", err)
		}
		defer func() {
			// Ensure OTel flushes spans before exiting
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
			}
		}()
	}

	instanceID := uuid.NewString()
	logging.Log("Starting task orchestrator with UUID: "+instanceID, slog.LevelInfo)
	metrics := logging.NewTaskMetrics(instanceID)

	sched := scheduler.New(scheduler.Options{
		PromotionInterval: cfg.PromotionInterval,
		ErrorBackoff:      cfg.ErrorBackoff,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Metrics:           metrics,
	})

	// Snapshot files may live inside the repository; keep them out of task commits.
	repo, err := versioncontrol.Open(ctx, cfg.RepoDir, cfg.SnapshotPath, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	opts := orchestrator.Options{
		Queue:          sched,
		Planner:        planning.New(cfg.WorkspaceDir),
		Developer:      development.New(cfg.WorkspaceDir),
		VersionControl: repo,
		Metrics:        metrics,
	}

	var deployer *containerization.Deployer
	if cfg.DeployEnabled {
		cli, err := containerization.NewClient()
		if err != nil {
			logging.Log(fmt.Sprintf("Warning: %v. Deployments are disabled.", err), slog.LevelWarn)
		} else {
			defer cli.Close()
			deployer = containerization.NewDeployer(cli, containerization.Options{
				Network:  cfg.DeployNetwork,
				BasePort: cfg.DeployBasePort,
				MemoryMB: cfg.ContainerMemoryMB,
				CPULimit: cfg.ContainerCPULimit,
			})
			opts.Deployer = deployer
			logging.SafeGo("deployment-reaper", func() {
				deployer.RunReaper(ctx, cfg.DeployTTL, time.Minute)
			})
			defer deployer.Cleanup(context.Background())
		}
	}

	orch, err := orchestrator.New(opts)
	if err != nil {
		return err
	}

	var store persistence.SnapshotStore
	if cfg.SnapshotDriver != persistence.DriverNone {
		store, err = persistence.Open(ctx, cfg.SnapshotDriver, cfg.SnapshotTarget(cfg.SnapshotDriver))
		if err != nil {
			return fmt.Errorf("failed to open snapshot store: %w", err)
		}
		defer store.Close()
		if err := restore(ctx, store, sched, orch); err != nil {
			return err
		}
	}

	sched.Start()

	var worker *processor.Worker
	if cfg.AutoExecute {
		worker = processor.New(sched, orch, cfg.WorkerCount)
		worker.Start(ctx)
	}

	server := &APIServer{
		orch:     orch,
		sched:    sched,
		metrics:  metrics,
		worker:   worker,
		deployer: deployer,
		store:    store,
		history:  repo,
		baseCtx:  ctx,
	}
	serveErr := StartAPIServer(ctx, cfg.APIPort, server.Handler())

	if worker != nil {
		worker.Wait()
	}
	server.WaitAsync()
	sched.Shutdown()

	if store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Save(saveCtx, sched.Export()); err != nil {
			logging.Log(fmt.Sprintf("Error saving snapshot: %v", err), slog.LevelError)
		}
	}
	return serveErr
}

// restore loads the last snapshot into the scheduler and the registry.
// Tasks that were running when it was taken are recorded as failed.
func restore(ctx context.Context, store persistence.SnapshotStore, sched *scheduler.Scheduler, orch *orchestrator.Orchestrator) error {
	snap, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	snap = snap.SettleActive(interruptedReason, time.Now())
	queued := sched.Import(snap)
	adopted := orch.Adopt(snap)
	logging.Log(fmt.Sprintf("Restored %d scheduler entries and %d tasks from snapshot", queued, adopted), slog.LevelInfo)
	return nil
}
