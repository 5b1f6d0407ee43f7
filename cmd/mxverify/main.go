package main

import (
	"fmt"
	"io"
	"os"

	"github.com/busybox42/mxverify/internal/config"
	"github.com/busybox42/mxverify/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// options are the global flags shared by every command
type options struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "mxverify",
		Short: "mxverify - email deliverability verifier",
		Long: `mxverify checks whether an email address is deliverable by resolving the
domain's MX hosts and running an SMTP handshake up to RCPT TO. Outcomes are
cached for a configurable window.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before environment overrides")

	rootCmd.AddCommand(
		newServerCmd(opts),
		newVerifyCmd(opts),
		newStatsCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mxverify %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}

// loadEnvFile exports the dotenv file, if any. Variables already set in
// the environment win over the file.
func (o *options) loadEnvFile() error {
	if o.envFile == "" {
		return nil
	}
	if err := godotenv.Load(o.envFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", o.envFile, err)
	}
	return nil
}

// loadConfig reads the dotenv file, if any, then the configuration
func (o *options) loadConfig() (*config.Config, error) {
	if err := o.loadEnvFile(); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the configured logger as the default
func setupLogging(cfg *config.Config) (io.Closer, error) {
	closer, err := logging.Setup(cfg.LoggingConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return closer, nil
}
