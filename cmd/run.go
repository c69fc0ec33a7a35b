package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/debugprobe/internal/agent"
	"github.com/nextlevelbuilder/debugprobe/internal/tracing/otelexport"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
}

func runAgent(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		tp, err := otelexport.Install(ctx, otelexport.Config{
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
			DeviceID:       cfg.DeviceID(),
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			slog.Warn("otel: export disabled", "error", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tp.Shutdown(sctx)
			}()
		}
	}

	a, err := agent.New(cfg,
		agent.WithConfigWatch(resolveConfigPath()),
		agent.WithLogLevel(logLevel),
	)
	if err != nil {
		return err
	}
	setupLogging(cfg, a.LogHandler)

	slog.Info("debugprobe starting",
		"version", Version,
		"device", cfg.DeviceID(),
		"hub", cfg.Hub.URL,
		"config_hash", cfg.Hash(),
	)
	return a.Run(ctx)
}
