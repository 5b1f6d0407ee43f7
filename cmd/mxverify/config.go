package main

import (
	"fmt"

	"github.com/busybox42/mxverify/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *options) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
		Long:  "Commands for generating and validating mxverify configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputPath := "mxverify.toml"
			if len(args) > 0 {
				outputPath = args[0]
			}

			if err := config.CreateDefaultConfig(outputPath); err != nil {
				return fmt.Errorf("failed to generate config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) > 0 {
				path = args[0]
			}
			if err := opts.loadEnvFile(); err != nil {
				return err
			}
			cfg, err := config.ReadConfig(path)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %w", err)
			}
			return printValidation(cmd, cfg)
		},
	})

	return configCmd
}

func printValidation(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	result := cfg.Validate()

	fmt.Fprintf(out, "=== Configuration Validation Report ===\n\n")
	if result.Valid {
		fmt.Fprintf(out, "Configuration is VALID\n\n")
	} else {
		fmt.Fprintf(out, "Configuration has ERRORS\n\n")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "ERRORS (%d):\n", len(result.Errors))
		for i, err := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, err.Error())
		}
		fmt.Fprintln(out)
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, warning.Error())
		}
		fmt.Fprintln(out)
	}

	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}

	fmt.Fprintf(out, "Configuration Summary:\n")
	fmt.Fprintf(out, "  API listen: %s\n", cfg.Server.Listen)
	fmt.Fprintf(out, "  Cache: %s, TTL %s\n", cfg.Cache.Driver, cfg.CacheTTL())
	fmt.Fprintf(out, "  DNS mode: %s\n", cfg.DNS.Mode)
	if cfg.DNS.CacheTTLSeconds > 0 {
		fmt.Fprintf(out, "  MX cache: %ds, %d entries\n", cfg.DNS.CacheTTLSeconds, cfg.DNS.CacheSize)
	}
	fmt.Fprintf(out, "  SMTP: port %d, %d concurrent probes, timeout %ds\n",
		cfg.SMTP.Port, cfg.SMTP.MaxConcurrent, cfg.SMTP.TimeoutSeconds)
	if cfg.SMTP.Breaker.Enabled {
		fmt.Fprintf(out, "  Circuit breaker: Enabled (%d failures)\n", cfg.SMTP.Breaker.ConsecutiveFailures)
	} else {
		fmt.Fprintf(out, "  Circuit breaker: Disabled\n")
	}
	fmt.Fprintf(out, "  Senders: %d\n", len(cfg.Senders))
	return nil
}
