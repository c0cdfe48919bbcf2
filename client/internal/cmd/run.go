package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/config"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/daemon"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/eventbus"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/runtime"
	"github.com/XiaoCRQ/Competitive-Remote/pkg/logging"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run the client in the foreground",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	path, explicit := configPath(cmd, args)
	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return err
	}

	layout := daemon.Default()
	if err := layout.Ensure(); err != nil {
		return err
	}

	bus := eventbus.New()
	defer bus.Close()
	handler := logging.NewHandler(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	logger := slog.New(eventbus.NewSlogHandler(handler, bus))

	watch := ""
	if _, err := os.Stat(path); err == nil {
		watch = path
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, runtime.Options{
		ConfigPath: watch,
		SocketPath: layout.SocketPath(),
		Version:    version,
	}, bus, logger)
	if err != nil {
		return err
	}

	logger.Info("cr-client starting", "version", version, "config", path)
	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("client stopped: %w", err)
	}
	logger.Info("cr-client stopped")
	return nil
}
