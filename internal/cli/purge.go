package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	idemPostgres "github.com/LerianStudio/lib-resilience/resilience/idempotency/postgres"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Table string
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired idempotency records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPurge(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Table, "table", "idempotency_records", "idempotency table, optionally schema qualified")

	return cmd
}

func runPurge(cmd *cobra.Command, opts *PurgeOptions) error {
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

	store, err := idemPostgres.NewStore(db, idemPostgres.WithLogger(e.logger), idemPostgres.WithTableName(opts.Table))
	if err != nil {
		return err
	}

	purged, err := store.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	e.logger.Log(ctx, libLog.LevelInfo, "expired idempotency records purged", libLog.Int64("purged", purged))
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired records\n", purged)

	return nil
}
