// Command xivoice voices in-game dialogue: it receives chat lines from the
// game plugin, picks a voice for the speaking character and plays the
// synthesized speech.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/xivoice/internal/app"
	"github.com/MrWong99/xivoice/internal/config"
	"github.com/MrWong99/xivoice/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	envFiles   []string
	levelVar   = new(slog.LevelVar)
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xivoice: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:   "xivoice",
		Short: "Voice acting for in-game dialogue",
		Long: `xivoice receives dialogue lines from the game plugin over a websocket,
resolves a voice for the speaking character, synthesizes the line with a TTS
engine and plays it. A new line always interrupts the previous one.

Running xivoice without a subcommand is the same as "xivoice serve".`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: bootstrap,
		RunE:              serve.RunE,
		Version:           version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringSliceVar(&envFiles, "env", []string{".env"}, "dotenv files loaded before the config")

	root.AddCommand(serve, newSayCmd(), newResolveCmd(), newVoicesCmd(), newDevicesCmd())
	return root
}

// bootstrap installs the logger and loads dotenv files so ${VAR} references
// in the config resolve.
func bootstrap(*cobra.Command, []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}
	return nil
}

// loadConfig loads the config file and applies its log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
		}
		return nil, err
	}
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	return cfg, nil
}

// ── serve ────────────────────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the game plugin and speak incoming lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("xivoice starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"websocket_uri", cfg.Transport.WebsocketURI,
		"log_level", cfg.Server.LogLevel,
		"backend", cfg.TTS.Backend.Name,
		"fallbacks", len(cfg.TTS.Fallbacks),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	application, err := app.New(ctx, cfg,
		app.WithRegistry(reg),
		app.WithLevelVar(levelVar),
	)
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}
