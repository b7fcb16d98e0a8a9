package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oarkflow/sqlguard"
	"github.com/oarkflow/sqlguard/api"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "sqlguard",
	Short:         "Database query activity intrusion detection",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest and admin HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sqlguard.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger, closer, err := sqlguard.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		guard, err := sqlguard.NewGuard(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := guard.Close(); err != nil {
				logger.Error().Err(err).Msg("shutdown incomplete")
			}
		}()
		if err := guard.Start(); err != nil {
			return err
		}
		logger.Info().
			Str("version", Version).
			Str("storage", cfg.Storage.Driver).
			Strs("channels", channelNames(guard.Dispatcher.Channels())).
			Msg("sqlguard started")
		return api.New(guard).Run(ctx)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and authorization policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sqlguard.LoadConfig(configPath)
		if err != nil {
			return err
		}
		validator := sqlguard.NewDefaultConfigValidator()
		err = validator.Validate(cfg)
		out := cmd.OutOrStdout()
		for _, w := range validator.Warnings {
			fmt.Fprintf(out, "warning: %s\n", w)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "configuration ok")
		return nil
	},
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize SQL",
	Short: "Print the normalized form, action, tables and pattern match of a statement",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ex := sqlguard.Explain(sqlguard.NewPatternEngine(nil), nil, "", strings.Join(args, " "))
		return printJSON(cmd, ex)
	},
}

var principal string

var evaluateCmd = &cobra.Command{
	Use:   "evaluate SQL",
	Short: "Dry-run the pattern and authorization stages for a principal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sqlguard.LoadConfig(configPath)
		if err != nil {
			return err
		}
		policy, err := cfg.Policy()
		if err != nil {
			return err
		}
		authz, err := sqlguard.NewAuthzEngine(policy, zerolog.Nop())
		if err != nil {
			return err
		}
		ex := sqlguard.Explain(sqlguard.NewPatternEngine(nil), authz, principal, strings.Join(args, " "))
		return printJSON(cmd, ex)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	evaluateCmd.Flags().StringVarP(&principal, "principal", "p", "", "principal issuing the statement")
	_ = evaluateCmd.MarkFlagRequired("principal")
	rootCmd.AddCommand(serveCmd, checkCmd, normalizeCmd, evaluateCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func channelNames(channels []sqlguard.Channel) []string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	return names
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
