package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starwreckntx/mergeguard/internal/config"
	"github.com/starwreckntx/mergeguard/internal/cooldown"
	"github.com/starwreckntx/mergeguard/internal/eventlog"
	"github.com/starwreckntx/mergeguard/internal/gate"
	"github.com/starwreckntx/mergeguard/internal/ingress"
	"github.com/starwreckntx/mergeguard/internal/policy"
	"github.com/starwreckntx/mergeguard/internal/scheduler"
	"github.com/starwreckntx/mergeguard/internal/session"
	"github.com/starwreckntx/mergeguard/internal/store"
	"github.com/starwreckntx/mergeguard/internal/token"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MergeGuard daemon",
	Long:  `Starts the long-running checkpoint daemon: the page observer connects over HTTP, the gate classifies triggers and drives confirmation flows, and a maintenance sweeper garbage-collects expired allow tokens.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		inactive, _ := cmd.Flags().GetBool("inactive")
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		lockTimeout, err := config.DurationOrDefault(cfg.Store.LockTimeout, config.DefaultStoreLockTimeout)
		if err != nil {
			return err
		}
		lockRetry, err := config.DurationOrDefault(cfg.Store.LockRetry, config.DefaultStoreLockRetry)
		if err != nil {
			return err
		}
		proactiveWindow, err := config.DurationOrDefault(cfg.Cooldowns.Proactive, config.DefaultCooldownProactive)
		if err != nil {
			return err
		}
		tokenTTL, err := config.DurationOrDefault(cfg.Cooldowns.TokenTTL, config.DefaultTokenTTL)
		if err != nil {
			return err
		}
		tokenGrace, err := config.DurationOrDefault(cfg.Cooldowns.TokenGrace, config.DefaultTokenGrace)
		if err != nil {
			return err
		}
		dedupeTTL, err := config.DurationOrDefault(cfg.Ingress.DedupeTTL, config.DefaultIngressDedupeTTL)
		if err != nil {
			return err
		}
		shutdownTimeout, err := config.DurationOrDefault(cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout)
		if err != nil {
			return err
		}

		if err := store.CleanupStaleLocks(cfg.Store.Path, lockTimeout, forceClean); err != nil {
			slog.Warn("Stale lock cleanup failed", "error", err)
		}

		worker, err := store.NewWorker(cfg.Store.Path, store.RuntimeConfig{
			LockTimeout:  lockTimeout,
			LockRetry:    lockRetry,
			LockMaxRetry: cfg.Store.LockMaxRetry,
			InboxSize:    cfg.Store.InboxSize,
		})
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		worker.Start()
		defer worker.Stop()

		policies := policy.NewStore(worker, cfg.Policy.File)
		doc := policies.Load()
		slog.Info("Policy loaded", "version", doc.PolicyVersion)

		sessions := session.NewStore(worker)
		cooldowns := cooldown.NewRegistry(worker, proactiveWindow)
		vault := token.NewVault(worker, tokenTTL, tokenGrace)
		pending := token.NewPendingRegistry(tokenTTL + tokenGrace)
		events := eventlog.NewBuffer(worker, cfg.EventLog.MaxEntries, cfg.EventLog.MaxFieldRunes, Version)

		presenter := ingress.NewHTTPPresenter()
		replays := ingress.NewReplayBuffer(cfg.Gate.QueueSize)
		dedupe := ingress.NewDedupe(dedupeTTL)

		g := gate.New(policies, sessions, cooldowns, vault, pending, events, presenter, replays, gate.Config{
			QueueSize:           cfg.Gate.QueueSize,
			MinJustificationLen: cfg.Gate.MinJustificationLen,
			MaxPrompts:          cfg.Gate.MaxPrompts,
		})
		if inactive {
			g.SetActive(false)
		}
		g.Start()
		defer g.Stop()

		sweeper, err := scheduler.NewSweeper(vault, cfg.Scheduler)
		if err != nil {
			return fmt.Errorf("failed to create sweeper: %w", err)
		}
		sweeper.RegisterPrune("ingress_dedupe", dedupe.Prune)
		sweeper.RegisterPrune("pending_actions", pending.Prune)

		httpServer := ingress.NewHTTPServer(cfg.Server.Port, g, presenter, replays, dedupe, &daemonStatus{
			policies: policies,
			events:   events,
		})

		handler := NewSignalHandler(cmd.Context())
		handler.Start()
		defer handler.Stop()

		sweeper.Start(handler.Context())
		defer sweeper.Stop()
		httpServer.Start()

		slog.Info("MergeGuard daemon started", "port", cfg.Server.Port, "active", !inactive)
		<-handler.Context().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown failed", "error", err)
		}

		slog.Info("MergeGuard daemon stopped gracefully")
		return nil
	},
}

// daemonStatus feeds the status endpoint from live components.
type daemonStatus struct {
	policies *policy.Store
	events   *eventlog.Buffer
}

func (d *daemonStatus) Status() map[string]any {
	return map[string]any{
		"version":         Version,
		"policy_version":  d.policies.Active().PolicyVersion,
		"buffered_events": d.events.Len(),
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("inactive", false, "Start with the gate disabled (all triggers proceed natively)")
	serveCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
