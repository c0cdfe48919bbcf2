package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/pkg/logging"
	"github.com/XiaoCRQ/Competitive-Remote/relay/internal/config"
	"github.com/XiaoCRQ/Competitive-Remote/relay/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay in the foreground",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, path != "")
	if err != nil {
		return err
	}

	logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(logger)

	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			logger.Warn("allowed_origins contains '*'; any web page can reach the relay")
			break
		}
	}

	srv := server.New(server.Options{
		Path:            cfg.Path,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxMessageBytes: cfg.MaxMessageBytes,
		JobsRate:        cfg.JobsRate,
		JobsBurst:       cfg.JobsBurst,
		PingInterval:    cfg.PingInterval.Duration,
		PongWait:        cfg.PongWait.Duration,
	}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.ListenAndServe(ctx, cfg.Listen, cfg.ShutdownTimeout.Duration)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
