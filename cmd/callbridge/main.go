// Command callbridge bridges a phone call on a virtual audio cable to a
// cloud speech-to-speech agent and lets the operator steer the agent with
// silent text directives from the console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio/device"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	geminilive "github.com/MrWong99/callbridge/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/callbridge/pkg/provider/s2s/openai"
)

const defaultConfigPath = "callbridge.yaml"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file with API keys; ignored when missing")
	listDevices := flag.Bool("list-devices", false, "print the audio devices and exit")
	noConsole := flag.Bool("no-console", false, "serve without the interactive console until interrupted")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "callbridge: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, cfgFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		return 1
	}
	keyVar := config.ApplyEnv(cfg, os.Getenv)

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("callbridge starting",
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"voice", cfg.Call.Voice,
		"language", cfg.Call.Language,
		"listen_addr", cfg.Server.ListenAddr,
	)
	if keyVar != "" {
		slog.Debug("api key taken from environment", "var", keyVar)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.WithServiceVersion(version))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	opts := []app.Option{
		app.WithRegistry(reg),
		app.WithGatherer(tel.Gatherer),
		app.WithLogLevel(level),
		app.WithEnv(os.Getenv),
	}
	if cfgFile != "" {
		opts = append(opts, app.WithConfigFile(cfgFile))
	}
	if !*noConsole {
		opts = append(opts, app.WithConsole(os.Stdin, os.Stdout, os.Stderr))
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path. A missing default file yields the defaults and an
// empty file name, which disables reloading.
func loadConfig(path string) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		return config.Default(), "", nil
	}
	return nil, "", err
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in agent backends into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S(config.ProviderGeminiLive, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S(config.ProviderOpenAIRealtime, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices() int {
	devices, err := device.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		return 1
	}
	for _, d := range devices {
		fmt.Printf("[%2d] %-45s in:%d out:%d %.0f Hz %s\n",
			d.Index, d.Name, d.InputChannels, d.OutputChannels, d.DefaultSampleRate, d.HostAPI)
	}
	return 0
}
