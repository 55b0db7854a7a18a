package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "billing-server",
	Short:   "Membership billing reconciliation service",
	Long:    `billing-server keeps local organization billing state in step with the payment provider: it ingests webhooks, maintains the invoice and revenue ledger, records agreement acceptance and resolves customer link conflicts.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return billing.Run(cmd.Context(), Version)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return billing.Run(cmd.Context(), Version)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and print the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := billing.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		version, err := st.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d\n", version)
		return nil
	},
}

var agreementsCmd = &cobra.Command{
	Use:   "agreements",
	Short: "Manage published agreement versions",
}

var (
	publishType    string
	publishVersion string
)

var agreementsPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a new current agreement version",
	RunE: func(cmd *cobra.Command, args []string) error {
		version := strings.TrimSpace(publishVersion)
		if version == "" {
			return fmt.Errorf("--version is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		agreementType := strings.TrimSpace(publishType)
		if agreementType == "" {
			agreementType = cfg.AgreementType
		}
		st, err := billing.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.PublishAgreement(cmd.Context(), agreementType, version, time.Now().UTC()); err != nil {
			return fmt.Errorf("publish agreement: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s agreement %s\n", agreementType, version)
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect customer link conflicts",
}

var scanEnrich bool

var conflictsScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Print registry conflicts and mismatches as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		svc, err := billing.NewService(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		report, err := svc.Detector.Scan(ctx, scanEnrich)
		if err != nil {
			return fmt.Errorf("scan conflicts: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "billing-server %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	agreementsPublishCmd.Flags().StringVar(&publishType, "type", "", "agreement type (defaults to AGREEMENT_TYPE)")
	agreementsPublishCmd.Flags().StringVar(&publishVersion, "version", "", "agreement version to publish")
	agreementsCmd.AddCommand(agreementsPublishCmd)

	conflictsScanCmd.Flags().BoolVar(&scanEnrich, "enrich", true, "include activity and suggestions for mismatches")
	conflictsCmd.AddCommand(conflictsScanCmd)

	rootCmd.AddCommand(serveCmd, migrateCmd, agreementsCmd, conflictsCmd, versionCmd)
}

// loadConfig loads configuration and quiets logging for one-shot commands.
func loadConfig() (*billing.Config, error) {
	cfg, err := billing.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}
	billing.InitLogging(cfg)
	return cfg, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
