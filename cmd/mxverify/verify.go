package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/busybox42/mxverify/internal/verify"
	"github.com/spf13/cobra"
)

func newVerifyCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "verify <email>...",
		Short: "Verify one or more addresses and print the outcomes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			// outcomes go to stdout, so keep logs off it
			if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
				cfg.Logging.Output = "stderr"
			}
			closer, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			svc, err := newService(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer svc.Close()

			outcomes := svc.verifier.VerifyBatch(cmd.Context(), args)
			if asJSON {
				return writeOutcomesJSON(cmd.OutOrStdout(), outcomes)
			}
			writeOutcomes(cmd.OutOrStdout(), outcomes)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print outcomes as JSON")
	return cmd
}

func writeOutcomesJSON(w io.Writer, outcomes []*verify.Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(outcomes)
}

func writeOutcomes(w io.Writer, outcomes []*verify.Outcome) {
	for _, o := range outcomes {
		verdict := "INVALID"
		if o.IsValid {
			verdict = "VALID"
		}
		fmt.Fprintf(w, "%s\t%s", o.Email, verdict)
		if o.StatusCode != 0 {
			fmt.Fprintf(w, "\t%d", o.StatusCode)
		}
		if o.ErrorMessage != "" {
			fmt.Fprintf(w, "\t%s", o.ErrorMessage)
		} else if o.ServerResponse != "" {
			fmt.Fprintf(w, "\t%s", firstLine(o.ServerResponse))
		}
		if o.FromCache {
			fmt.Fprint(w, "\t(cached)")
		}
		fmt.Fprintln(w)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate verification statistics from the cache store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cfg.Logging.Output = "stderr"
			closer, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			svc, err := newService(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer svc.Close()

			stats, err := svc.verifier.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total verifications: %d\n", stats.Total)
			fmt.Fprintf(out, "Valid: %d\n", stats.Valid)
			fmt.Fprintf(out, "Invalid: %d\n", stats.Invalid)
			fmt.Fprintf(out, "Last %s: %d\n", cfg.StatsWindow(), stats.Recent)
			fmt.Fprintf(out, "Success rate: %s\n", stats.SuccessRate)
			return nil
		},
	}
}
