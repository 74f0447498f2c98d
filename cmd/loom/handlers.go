package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/agent/providers"
	"github.com/haasonsaas/loom/internal/agents"
	"github.com/haasonsaas/loom/internal/auth"
	"github.com/haasonsaas/loom/internal/chats"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/engine"
	"github.com/haasonsaas/loom/internal/media"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/server"
	"github.com/haasonsaas/loom/internal/titles"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// resolveConfigPath falls back to the LOOM_CONFIG environment variable,
// then to loom.yaml if that file exists. An empty result means built-in
// defaults.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("LOOM_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("loom.yaml"); err == nil {
		return "loom.yaml"
	}
	return ""
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	logger.Info("starting loom",
		"version", version,
		"commit", commit,
		"config", configPath,
		"db_driver", cfg.Database.Driver,
	)

	store, directory, err := buildStores(cfg)
	if err != nil {
		return err
	}

	providerMap, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	if len(providerMap) == 0 {
		return fmt.Errorf("no LLM providers configured: set llm.providers or ANTHROPIC_API_KEY / OPENAI_API_KEY")
	}

	registry := buildRegistry(cfg)
	metrics := observability.NewMetrics()

	eng := engine.New(store, registry, providerMap, &engine.Config{
		MaxTokens:   cfg.Engine.MaxTokens,
		ToolTimeout: cfg.Engine.ToolTimeout,
		EventBuffer: cfg.Engine.EventBuffer,
	})
	eng.SetLogger(logger)
	eng.SetMetrics(metrics)

	if cfg.Titles.Enabled {
		provider, ok := providerMap[cfg.Titles.Provider]
		if !ok {
			return fmt.Errorf("titles.provider %q has no configured backend", cfg.Titles.Provider)
		}
		eng.SetTitleTrigger(titles.NewGenerator(store, provider, cfg.Titles.Model, logger))
	}

	if cfg.Media.Enabled {
		mediaStore, err := media.NewS3Store(ctx, media.S3Config{
			Bucket:    cfg.Media.Bucket,
			Region:    cfg.Media.Region,
			Endpoint:  cfg.Media.Endpoint,
			KeyPrefix: cfg.Media.KeyPrefix,
			PublicURL: cfg.Media.PublicURL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize media storage: %w", err)
		}
		eng.SetMediaStore(mediaStore)
	}

	authService := buildAuthService(cfg)
	if authService.Enabled() {
		logger.Info("authentication enabled", "api_keys", len(cfg.Auth.APIKeys))
	} else {
		logger.Warn("authentication disabled, all requests share the local user")
	}

	handler, err := server.NewHandler(server.Config{
		Store:         store,
		Agents:        directory,
		Engine:        eng,
		Registry:      registry,
		Auth:          authService,
		Metrics:       metrics,
		Logger:        logger,
		ForceApproval: cfg.Tools.RequireApproval,
	})
	if err != nil {
		return err
	}

	srv := server.NewServer(cfg.Server.Host, cfg.Server.Port, handler.Routes(), logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, draining requests")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("loom stopped")
	return nil
}

// buildStores selects the chat store and agent directory backends. The
// agent directory has no postgres backend; agent records are few, so the
// postgres driver pairs the chat store with a sqlite directory at
// database.path.
func buildStores(cfg *config.Config) (chats.Store, agents.Directory, error) {
	switch cfg.Database.Driver {
	case "memory":
		return chats.NewMemoryStore(), agents.NewMemoryDirectory(), nil

	case "sqlite":
		store, err := chats.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		directory, err := agents.NewSQLiteDirectory(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, directory, nil

	case "postgres":
		store, err := chats.NewPostgresStore(&chats.PostgresConfig{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Name,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		directory, err := agents.NewSQLiteDirectory(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, directory, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// buildProviders turns llm.providers config entries into backends. With
// no entries configured, well-known environment variables stand in.
func buildProviders(cfg *config.Config) (map[string]agent.LLMProvider, error) {
	entries := cfg.LLM.Providers
	if len(entries) == 0 {
		entries = map[string]config.LLMProviderConfig{}
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			entries["anthropic"] = config.LLMProviderConfig{APIKey: key}
		}
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			entries["openai"] = config.LLMProviderConfig{APIKey: key}
		}
	}

	out := make(map[string]agent.LLMProvider, len(entries))
	for name, entry := range entries {
		switch name {
		case "anthropic":
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       entry.APIKey,
				BaseURL:      entry.BaseURL,
				DefaultModel: entry.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("anthropic provider: %w", err)
			}
			out[name] = p
		case "openai":
			p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey:       entry.APIKey,
				BaseURL:      entry.BaseURL,
				DefaultModel: entry.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("openai provider: %w", err)
			}
			out[name] = p
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}
	return out, nil
}

func buildRegistry(cfg *config.Config) *tools.Registry {
	registry := tools.NewRegistry()
	registry.Register(tools.NewCalculatorTool())
	registry.Register(tools.NewDatetimeTool())
	if cfg.Tools.Weather.Enabled {
		registry.Register(tools.NewWeatherTool(&tools.WeatherConfig{
			GeocodeURL:  cfg.Tools.Weather.GeocodeURL,
			ForecastURL: cfg.Tools.Weather.ForecastURL,
		}))
	}
	return registry
}

func buildAuthService(cfg *config.Config) *auth.Service {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys = append(keys, auth.APIKeyConfig{
			Key:    k.Key,
			UserID: k.UserID,
			Email:  k.Email,
			Name:   k.Name,
			Admin:  k.Admin,
		})
	}
	return auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     keys,
	})
}

func runToken(cmd *cobra.Command, configPath, userID, email, name string, admin bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	service := buildAuthService(cfg)
	token, err := service.GenerateJWT(&models.User{
		ID:    userID,
		Email: email,
		Name:  name,
		Admin: admin,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runConfigCheck(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration ok\n")
	fmt.Fprintf(out, "  listen:    %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "  database:  %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  providers: %d configured (default %s)\n", len(cfg.LLM.Providers), cfg.LLM.DefaultProvider)
	fmt.Fprintf(out, "  auth:      %v\n", buildAuthService(cfg).Enabled())
	fmt.Fprintf(out, "  titles:    %v\n", cfg.Titles.Enabled)
	fmt.Fprintf(out, "  media:     %v\n", cfg.Media.Enabled)
	return nil
}
