package cli

import (
	"github.com/spf13/cobra"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libPostgres "github.com/LerianStudio/lib-resilience/resilience/postgres"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Database string
	Path     string
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the outbox, inbox and idempotency tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "database", "resilience", "database name recorded by the migrator")
	cmd.Flags().StringVar(&opts.Path, "path", "", "read migrations from this directory instead of the embedded set")

	return cmd
}

func runMigrate(cmd *cobra.Command, opts *MigrateOptions) error {
	e, err := opts.load()
	if err != nil {
		return err
	}
	defer e.sync()

	ctx := cmd.Context()

	conn, err := e.openPostgres(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	db, err := conn.DB(ctx)
	if err != nil {
		return err
	}

	migrateOpts := []libPostgres.MigrateOption{libPostgres.WithMigrateLogger(e.logger)}
	if opts.Path != "" {
		migrateOpts = append(migrateOpts, libPostgres.WithMigrationsPath(opts.Path))
	}

	if err := libPostgres.Migrate(ctx, db, opts.Database, migrateOpts...); err != nil {
		return err
	}

	e.logger.Log(ctx, libLog.LevelInfo, "migrations applied", libLog.String("database", opts.Database))

	return nil
}
