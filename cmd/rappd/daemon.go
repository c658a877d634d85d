package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/infrasonar/rapp/internal/buildinfo"
	"github.com/infrasonar/rapp/internal/config"
	"github.com/infrasonar/rapp/internal/control"
	"github.com/infrasonar/rapp/internal/driver"
	"github.com/infrasonar/rapp/internal/health"
	"github.com/infrasonar/rapp/internal/logview"
	"github.com/infrasonar/rapp/internal/reconcile"
	"github.com/infrasonar/rapp/internal/state"
	"github.com/infrasonar/rapp/internal/statestore"
)

// runDaemon validates the environment, wires the components and serves
// until the context ends. Every validation failure here exits non-zero;
// once running, errors are contained and retried instead.
func runDaemon(ctx context.Context, settings config.Settings) error {
	slog.Info("starting rappd",
		"version", buildinfo.Version,
		"agentcore", settings.AgentCoreAddr(),
		"remote_access", settings.AllowRemoteAccess)

	st, err := state.Load(settings)
	if err != nil {
		return fmt.Errorf("load appliance state: %w", err)
	}

	drv, err := driver.Open(ctx, settings.ProjectName)
	if err != nil {
		return fmt.Errorf("container engine: %w", err)
	}
	defer drv.Close()

	// The compose project must be visible through the engine socket; an
	// empty listing means the socket or project mounts are wrong, since at
	// minimum our own container belongs to it.
	containers, err := drv.Containers(ctx)
	if err != nil {
		return fmt.Errorf("list project containers: %w", err)
	}
	if len(containers) == 0 {
		return fmt.Errorf("no containers found for project %q, check the docker socket and compose mounts", settings.ProjectName)
	}

	store, err := statestore.Open(filepath.Join(settings.DataPath, "rapp.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	// Canonicalize the managed files once at startup. This doubles as the
	// write-permission check for all three paths.
	if _, err := st.Commit(); err != nil {
		return fmt.Errorf("rewrite managed files: %w", err)
	}

	watcher := config.NewWatcher(settings.ComposeFile, settings.ConfigFile, settings.EnvFile)
	watcher.Prime()

	logs := logview.NewManager(drv.Engine(), settings.ProjectName)
	checker := health.NewChecker()

	rec, err := reconcile.New(st, drv, store, watcher, logs)
	if err != nil {
		return err
	}

	channel := control.New(control.Options{
		Addr:        settings.AgentCoreAddr(),
		Token:       st.Env.AgentCoreToken,
		Version:     buildinfo.Version,
		ZoneID:      st.Env.AgentCoreZoneID,
		AllowRemote: settings.AllowRemoteAccess,
		Handler:     rec,
		Health:      checker.HeartbeatPayload,
	})
	rec.SetResults(channel)

	go watcher.Run(ctx)
	go checker.Run(ctx)
	go logs.Run(ctx)
	go func() {
		if err := channel.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("control channel stopped", "err", err)
		}
	}()

	err = rec.Run(ctx)
	if ctx.Err() != nil {
		slog.Info("shutdown complete, containers left running")
		return nil
	}
	return err
}
