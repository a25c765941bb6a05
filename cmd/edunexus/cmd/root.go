package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"edunexus.org/internal/config"
	"edunexus.org/internal/obs"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "edunexus",
	Short: "EduNexus authentication and tenant access service",
	Long: `edunexus serves login, token refresh and tenant-scoped access for the
education platform, and carries the admin commands to migrate the schema,
provision principals and manage cross-tenant grants.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Read(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		obs.SetLevel(cfg.LogLevel)
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a YAML config file (env overrides use the EDUNEXUS_ prefix)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(principalCmd)
	rootCmd.AddCommand(accessCmd)
}
