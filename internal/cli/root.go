// Package cli implements the relay command line: schema migration, the
// outbox relay loop and idempotency record cleanup.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LerianStudio/lib-resilience/resilience/config"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libPostgres "github.com/LerianStudio/lib-resilience/resilience/postgres"
)

const serviceName = "relay"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command of the relay CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Outbox relay and durable store maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "resilience.yaml", "path to the YAML config file")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

// env is what every subcommand needs once flags are parsed.
type env struct {
	cfg    *config.Config
	logger libLog.Logger
}

func (opts *RootOptions) load() (*env, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	logger, err := cfg.Log.Logger(serviceName)
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, logger: logger}, nil
}

// openPostgres returns the connection and its pool. The caller closes the
// connection.
func (e *env) openPostgres(ctx context.Context) (*libPostgres.Connection, error) {
	conn, err := libPostgres.New(libPostgres.Config{DSN: e.cfg.Postgres.DSN}, e.logger)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	if _, err := conn.DB(ctx); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("postgres: %w", err)
	}

	return conn, nil
}

func (e *env) sync() {
	_ = e.logger.Sync(context.Background())
}
