package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"ollama-gateway/internal/auth"
	"ollama-gateway/internal/config"
	"ollama-gateway/internal/ollama"
	"ollama-gateway/internal/router"
	"ollama-gateway/internal/server"
	"ollama-gateway/internal/translator"
)

const serveUsage = `Usage:
  ollama-gateway serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration

Environment:
  GATEWAY_API_KEY      Overrides auth.api_key
  GATEWAY_BACKEND_URL  Overrides backend.base_url`

const versionProbeTimeout = 5 * time.Second

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	setupLogger(cfg.Logging)

	gate, err := auth.New(cfg.Auth)
	if err != nil {
		return err
	}
	if gate.Open() {
		slog.Warn("authentication is disabled (auth.open: true); every request is accepted")
	}

	client, err := ollama.New(cfg.Backend)
	if err != nil {
		return err
	}
	defer client.Close()

	probeBackend(ctx, client)

	tr := translator.New(translator.DefaultsFromConfig(cfg.Defaults))
	rt := router.New(client, tr, cfg.Catalog.OwnedBy)

	srv, err := server.New(cfg, rt, gate)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// probeBackend logs whether the engine answers. The gateway starts either
// way: the engine may come up later.
func probeBackend(ctx context.Context, client *ollama.Client) {
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	version, err := client.Version(probeCtx)
	if err != nil {
		slog.Warn("backend not reachable at startup", "backend", client.BaseURL(), "err", err)
		return
	}
	slog.Info("backend reachable", "backend", client.BaseURL(), "version", version)
}
