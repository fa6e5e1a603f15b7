package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LerianStudio/lib-resilience/resilience"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/outbox"
	outboxPostgres "github.com/LerianStudio/lib-resilience/resilience/outbox/postgres"
	"github.com/LerianStudio/lib-resilience/resilience/rabbitmq"
	libRedis "github.com/LerianStudio/lib-resilience/resilience/redis"
)

// ErrBrokerRequired is returned when run has no broker to publish to.
var ErrBrokerRequired = errors.New("rabbitmq url and exchange are required")

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Publish pending outbox records to RabbitMQ until interrupted",
		Long: `Run the outbox dispatcher against PostgreSQL and RabbitMQ.

When redis.address is set, ticks take a distributed lock so that only one
relay instance dispatches at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd, rootOpts)
		},
	}
}

func runRelay(cmd *cobra.Command, opts *RootOptions) error {
	e, err := opts.load()
	if err != nil {
		return err
	}
	defer e.sync()

	if e.cfg.RabbitMQ.URL == "" || e.cfg.RabbitMQ.Exchange == "" {
		return ErrBrokerRequired
	}

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

	repo, err := outboxPostgres.NewRepository(db, outboxPostgres.WithLogger(e.logger))
	if err != nil {
		return err
	}

	broker, err := rabbitmq.Dial(ctx, rabbitmq.Config{URL: e.cfg.RabbitMQ.URL, Logger: e.logger})
	if err != nil {
		return err
	}
	defer broker.Close()

	ch, err := broker.Channel(ctx)
	if err != nil {
		return err
	}

	if e.cfg.RabbitMQ.Queue != "" {
		topology := rabbitmq.Topology{Exchange: e.cfg.RabbitMQ.Exchange, Queue: e.cfg.RabbitMQ.Queue}
		if err := rabbitmq.DeclareTopology(ch, topology); err != nil {
			return err
		}
	}

	publisher, err := rabbitmq.NewPublisher(ch, e.cfg.RabbitMQ.Exchange, rabbitmq.WithLogger(e.logger))
	if err != nil {
		return err
	}
	defer publisher.Close()

	dispatcherOpts := append(e.cfg.Outbox.Options(), outbox.WithLogger(e.logger))

	if e.cfg.Redis.Address != "" {
		client, err := libRedis.New(ctx, libRedis.Config{
			Topology: libRedis.Topology{Standalone: &libRedis.StandaloneTopology{Address: e.cfg.Redis.Address}},
			Password: e.cfg.Redis.Password,
			Options:  libRedis.ConnectionOptions{DB: e.cfg.Redis.DB},
			Logger:   e.logger,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer client.Close()

		locks, err := libRedis.NewLockManager(client,
			libRedis.WithLockOptions(libRedis.DispatcherLockOptions()),
			libRedis.WithLockLogger(e.logger))
		if err != nil {
			return err
		}

		dispatcherOpts = append(dispatcherOpts, outbox.WithLocker(locks))
	}

	dispatcher, err := outbox.NewDispatcher(repo, publisher, dispatcherOpts...)
	if err != nil {
		return err
	}

	launcher := resilience.NewLauncher(
		resilience.WithLogger(e.logger),
		resilience.RunApp("outbox-dispatcher", dispatcher),
	)

	e.logger.Log(ctx, libLog.LevelInfo, "relay starting", libLog.String("exchange", e.cfg.RabbitMQ.Exchange))

	return launcher.RunUntilSignal(ctx)
}
