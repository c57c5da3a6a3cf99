package courier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/courier/pkg/agent"
	"github.com/corvid-labs/courier/pkg/bridge"
	"github.com/corvid-labs/courier/pkg/config"
	"github.com/corvid-labs/courier/pkg/events"
	"github.com/corvid-labs/courier/pkg/gateway"
	"github.com/corvid-labs/courier/pkg/secrets"
	"github.com/corvid-labs/courier/pkg/store"
	"github.com/corvid-labs/courier/pkg/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Courier bridge and gateway",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := config.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format, nil)
	logger.Info("starting courier",
		slog.String("version", version),
		slog.Int("port", cfg.Gateway.Port),
		slog.String("bind", cfg.Gateway.Bind),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = telemetry.WithLogger(ctx, logger)

	if cfg.Tracing.Enabled {
		shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
			Enabled:  true,
			Endpoint: cfg.Tracing.Endpoint,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("initializing tracer: %w", err)
		}
		defer func() {
			tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer tcancel()
			_ = shutdownTracer(tctx)
		}()
	}

	st, err := store.New(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	defer st.Close()

	var sec *secrets.Store
	if masterKey := os.Getenv(cfg.Secrets.MasterKeyEnv); masterKey != "" {
		sec, err = secrets.New(cfg.Secrets.DSN, masterKey)
		if err != nil {
			return fmt.Errorf("opening secrets store: %w", err)
		}
		defer sec.Close()
	} else {
		logger.Warn("no master key set, secrets store disabled",
			slog.String("env", cfg.Secrets.MasterKeyEnv))
	}

	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()

	br, err := bridge.New(ctx, bridge.Options{
		Config:  cfg,
		Store:   st,
		Secrets: sec,
		Runtime: unattachedRuntime(logger),
		Events:  broadcaster,
	})
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}

	br.StartAll(ctx)
	defer func() {
		shutdownCtx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer scancel()
		br.Shutdown(telemetry.WithLogger(shutdownCtx, logger))
	}()

	gw := gateway.New(gateway.Config{
		Bind:      cfg.Gateway.Bind,
		Port:      cfg.Gateway.Port,
		Registry:  br.Registry(),
		Events:    broadcaster,
		Logger:    logger,
		AuthToken: cfg.Gateway.AuthToken,
	})

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	logger.Info("shutting down")
	return nil
}

// unattachedRuntime stands in until a reasoning engine is plugged in. It
// records the turn as seen and produces no reply, so inbound traffic is
// persisted without generating outbound noise.
func unattachedRuntime(logger *slog.Logger) agent.Runtime {
	return agent.RuntimeFunc(func(_ context.Context, req agent.RunRequest) (agent.RunResult, error) {
		logger.Info("no agent runtime attached, message stored only",
			slog.String("conversation", req.ConversationID),
		)
		return agent.RunResult{}, nil
	})
}
