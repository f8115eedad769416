package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coffin399/TeamsLLMbot/pkg/bridge"
	"github.com/coffin399/TeamsLLMbot/pkg/config"
	"github.com/coffin399/TeamsLLMbot/pkg/llm"
	_ "github.com/coffin399/TeamsLLMbot/pkg/llm/providers"
	"github.com/coffin399/TeamsLLMbot/pkg/logging"
	"github.com/coffin399/TeamsLLMbot/pkg/teams"
	"github.com/coffin399/TeamsLLMbot/pkg/version"
	"github.com/coffin399/TeamsLLMbot/server"
)

func main() {
	configPath := flag.String("config", config.GetConfigPath(), "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	if _, err := logging.Init(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("config_invalid", "error", err, "config_path", *configPath)
		os.Exit(1)
	}

	provider, err := llm.GetProviderFromConfig(cfg.LLM)
	if err != nil {
		slog.Error("provider_init_failed", "error", err, "provider", cfg.LLM.Provider)
		os.Exit(1)
	}

	conn := teams.NewConnector(cfg.Bot)
	b := bridge.New(provider, conn, cfg.LLM)
	srv := server.New(b, conn, cfg.Server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("bot_starting",
		"version", version.Summary(),
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"vision", cfg.LLM.SupportsVision,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	if err := srv.Run(ctx); err != nil {
		slog.Error("server_failed", "error", err)
		os.Exit(1)
	}

	slog.Info("bot_stopped")
}
