package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/salahayoub/restfleet/pkg/cluster"
	"github.com/salahayoub/restfleet/pkg/config"
	"github.com/salahayoub/restfleet/pkg/conn"
	"github.com/salahayoub/restfleet/pkg/fleet"
	"github.com/salahayoub/restfleet/pkg/storage"
)

// shutdownTimeout bounds the fleet shutdown triggered by a signal.
const shutdownTimeout = 15 * time.Second

func newServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one fleet member",
		Long: `Run one fleet member in the foreground.

Examples:
  # Start a fleet; the first instance spawns the others
  restfleet serve --config restfleet.json

  # What the secretary runs for each spawned member
  restfleet serve --id 2 --config /etc/restfleet/restfleet.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), global, flags)
		},
	}
	flags.Register(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, global *GlobalFlags, flags *ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := global.Load()
	if err != nil {
		return err
	}
	if err := flags.Validate(cfg); err != nil {
		return err
	}
	id := int16(flags.ID)

	logger, logFile, err := openInstanceLog(cfg, id)
	if err != nil {
		return err
	}
	defer logFile.Close()

	store, err := storage.NewBoltStore(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open coordination store at %s: %w", cfg.StorePath(), err)
	}
	defer store.Close()

	r, err := fleet.New(fleet.Options{
		Config:   cfg,
		ID:       id,
		Store:    store,
		Launcher: newLauncher(cfg, logger),
		Probe:    cluster.ProcessProbe{},
		Handler:  conn.HandlerFunc(echoHandler),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down fleet", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		acked, err := r.Shutdown(shutdownCtx)
		cancel()
		switch {
		case errors.Is(err, fleet.ErrNotRunning):
		case err != nil:
			logger.Warn("shutdown failed", "error", err)
		case !acked:
			logger.Warn("no secretary acknowledged, stopped this instance only")
		}
	case <-r.Done():
	}

	if err := r.Wait(); err != nil {
		logger.Error("stopped with error", "error", err)
		return err
	}
	return nil
}

// newLauncher spawns members against the same configuration file and data
// directory this process resolved.
func newLauncher(cfg *config.Config, logger *slog.Logger) *cluster.ExecLauncher {
	return cluster.NewExecLauncher(cfg.Path, cfg.DataDir, cfg.LogDir(), logger)
}

// openInstanceLog opens the JSON log of instance id under the fleet log
// directory.
func openInstanceLog(cfg *config.Config, id int16) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(cfg.LogDir(), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(cfg.LogDir(), fmt.Sprintf("instance-%d.log", id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return logger.With("pid", os.Getpid()), f, nil
}
