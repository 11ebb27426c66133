package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sunshow/crmflow/internal/campaign"
	"github.com/sunshow/crmflow/internal/config"
	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/engine"
	"github.com/sunshow/crmflow/internal/logging"
)

var version = "dev"

// store is everything the engine, rule engine and campaign orchestrator persist
type store interface {
	engine.Store
	engine.RuleStore
	campaign.Store
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "crmflow",
		Short:         "CRM workflow execution engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: config.yaml in . or ./config)")

	root.AddCommand(
		newServeCmd(&configPath),
		newImportCmd(&configPath),
		newMigrateCmd(&configPath),
		newCampaignCmd(&configPath),
		newRouteCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger
func setup(configPath string) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore connects to PostgreSQL, or falls back to the in-memory store
// when no database URL is configured
func openStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("No database.url configured, using the in-memory store; state is lost on exit")
		return db.NewMemoryStore(), func() {}, nil
	}
	client, err := db.NewClient(ctx, cfg.Database.URL, cfg.Database.MaxConns, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return client, client.Close, nil
}

func requireDatabase(cfg *config.Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required for this command")
	}
	return nil
}
