package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sunshow/crmflow/internal/campaign"
	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/engine"
	"github.com/sunshow/crmflow/internal/rules"
)

func newImportCmd(configPath *string) *cobra.Command {
	var (
		definitionID string
		activate     bool
		params       map[string]string
	)
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a YAML workflow definition, or a new version of one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := requireDatabase(cfg); err != nil {
				return err
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read definition: %w", err)
			}

			ctx := cmd.Context()
			st, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()
			exec := engine.NewExecutor(st, logger)

			out := cmd.OutOrStdout()
			if definitionID != "" {
				v, err := exec.ImportVersion(ctx, definitionID, string(raw), params, activate)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "definition %s version %d (%s) active=%t\n", definitionID, v.VersionNumber, v.ID, v.IsActive)
				return nil
			}

			def, v, err := exec.ImportDefinition(ctx, string(raw), params, activate)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "definition %s %q status=%s version %d (%s)\n", def.ID, def.Name, def.Status, v.VersionNumber, v.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&definitionID, "definition", "", "add the file as a new version of this definition")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the imported version (and definition)")
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "template parameter, key=value")
	return cmd
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := requireDatabase(cfg); err != nil {
				return err
			}

			client, err := db.NewClient(cmd.Context(), cfg.Database.URL, cfg.Database.MaxConns, logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer client.Close()

			if err := client.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("Schema applied")
			return nil
		},
	}
}

func newCampaignCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Campaign workflow operations",
	}

	var campaignID int64
	start := &cobra.Command{
		Use:   "start",
		Short: "Fire the campaign_start workflows of a campaign for all recipients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := requireDatabase(cfg); err != nil {
				return err
			}

			ctx := cmd.Context()
			st, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			exec := engine.NewExecutor(st, logger)
			orch := campaign.NewOrchestrator(st, exec, logger)
			n, err := orch.StartCampaign(ctx, campaignID)
			fmt.Fprintf(cmd.OutOrStdout(), "campaign %d: %d workflow instances started\n", campaignID, n)
			return err
		},
	}
	start.Flags().Int64Var(&campaignID, "id", 0, "campaign id")
	_ = start.MarkFlagRequired("id")

	cmd.AddCommand(start)
	return cmd
}

func newRouteCmd(configPath *string) *cobra.Command {
	var (
		entityType string
		entityID   int64
		fields     string
	)
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Run the routing rules for an entity given as a JSON object of fields",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := requireDatabase(cfg); err != nil {
				return err
			}

			entity, err := rules.FromJSON(fields)
			if err != nil {
				return fmt.Errorf("parse fields: %w", err)
			}

			ctx := cmd.Context()
			st, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			matched := engine.NewRuleEngine(st, logger).ExecuteWorkflow(ctx, entityType, entityID, entity)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d matched=%t\n", entityType, entityID, matched)
			return nil
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "Contact", "entity type")
	cmd.Flags().Int64Var(&entityID, "id", 0, "entity id")
	cmd.Flags().StringVar(&fields, "fields", "{}", "entity fields as a JSON object")
	return cmd
}
