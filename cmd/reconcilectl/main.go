// Command reconcilectl is the operator tool for the reconciliation service:
// schema migrations and replay of archived webhook deliveries.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/giggatek/reconciler/internal/config"
	"github.com/giggatek/reconciler/internal/middleware"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliState is shared by the subcommands once the root command has loaded
// the configuration.
type cliState struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	st := &cliState{}
	rootCmd := &cobra.Command{
		Use:           "reconcilectl",
		Short:         "Operate the GigGatek payment reconciliation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&st.configPath, "config", "", "optional YAML config file")

	rootCmd.AddCommand(migrateCmd(st))
	rootCmd.AddCommand(replayCmd(st))
	return rootCmd
}

// load reads the service configuration. The CLI never verifies webhooks, so
// a missing provider configuration is not an error here.
func (st *cliState) load() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, errs := config.Load(st.configPath)
	var fatal []error
	for _, err := range errs {
		if errors.Is(err, config.ErrNoProviderConfigured) {
			continue
		}
		fatal = append(fatal, err)
	}
	if len(fatal) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(fatal...))
	}
	st.cfg = cfg
	st.logger = middleware.NewLogger(cfg.Env)
	slog.SetDefault(st.logger)
	return nil
}
