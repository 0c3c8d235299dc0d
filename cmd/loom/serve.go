package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/bridge"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/gateway"
	"github.com/loomctl/loom/internal/observability"
	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/internal/provider"
	"github.com/loomctl/loom/internal/session"
	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/internal/tools/builtin"
	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: $LOOM_CONFIG or loom.yaml)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tools := tool.NewRegistry()
	builtin.RegisterAll(tools)
	if err := tools.Validate(); err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}

	var blocks prompt.BlockLoader
	if cfg.Prompt.BlocksDir != "" {
		blocks = prompt.NewDirBlockLoader(cfg.Prompt.BlocksDir)
	}
	prompts := prompt.NewBuilder(blocks, logger)

	invoker, format, err := buildInvoker(cfg)
	if err != nil {
		return err
	}

	var checker workspace.BucketChecker
	if s3, err := workspace.NewS3Checker(ctx); err == nil {
		checker = s3
	} else {
		logger.Warn("s3 checker unavailable, bucket validation disabled", "error", err)
	}
	workspaces := workspace.NewStore(cfg.Workspaces.Root, cfg.Workspaces.Container, checker, logger)

	manager := session.NewManager(session.ManagerConfig{
		Registry:      tools,
		Invoker:       invoker,
		Prompts:       prompts,
		BaseSections:  baseSections(),
		PromptData:    promptData(cfg),
		Workspaces:    workspaces,
		Format:        format,
		Model:         cfg.Session.Model,
		MaxTokens:     cfg.Session.MaxTokens,
		MaxIterations: cfg.Session.MaxIterations,
		HotLoadTools:  cfg.Session.HotLoadTools,
		Logger:        logger,
		Metrics:       metrics,
	})

	server := gateway.NewServer(gateway.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, manager, registry, logger)

	if err := server.Start(ctx); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}
	server.Stop(nil)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("LOOM_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("loom.yaml"); err == nil {
			path = "loom.yaml"
		} else {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func buildInvoker(cfg *config.Config) (bridge.ModelInvoker, models.SchemaFormat, error) {
	name := cfg.LLM.DefaultProvider
	pc := cfg.LLM.Providers[name]

	switch name {
	case "anthropic":
		inv, err := provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
		if err != nil {
			return nil, "", err
		}
		return inv, models.FormatAlternate, nil
	case "openai":
		inv, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
		if err != nil {
			return nil, "", err
		}
		return inv, models.FormatNative, nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider %q", name)
	}
}

// baseSections returns the always-present prompt sections. Tool sections
// are appended per session from the active chest.
func baseSections() []*prompt.Section {
	return []*prompt.Section{
		{
			Name: "Identity",
			Kind: prompt.KindCore,
			Template: "You are $assistant_name, a focused assistant working inside the user's session.\n" +
				"Be direct. Use the available functions when they apply.",
			Required: true,
		},
		{
			Name:     "Conduct",
			Kind:     prompt.KindCore,
			Template: "{block_conduct}",
		},
	}
}

func promptData(cfg *config.Config) map[string]any {
	data := map[string]any{
		"assistant_name": "Loom",
	}
	for k, v := range cfg.Prompt.Data {
		data[k] = v
	}
	return data
}
