package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aksbuzz/clickless/pkg/api"
	"github.com/aksbuzz/clickless/pkg/broker"
	"github.com/aksbuzz/clickless/pkg/connectors"
	"github.com/aksbuzz/clickless/pkg/domain/events"
	"github.com/aksbuzz/clickless/pkg/metrics"
	"github.com/aksbuzz/clickless/pkg/orchestrator"
	"github.com/aksbuzz/clickless/pkg/relay"
	"github.com/aksbuzz/clickless/pkg/sweeper"
	"github.com/aksbuzz/clickless/pkg/worker"
)

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the control plane HTTP API",
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := newRuntime("api")
			if err != nil {
				return err
			}
			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			service := api.NewService(api.NewUnitOfWork(store), connectors.BuiltinRegistry(rt.logger), rt.logger)
			server := &http.Server{
				Addr:              rt.cfg.HTTPAddr,
				Handler:           api.NewServer(service, store.Ping, rt.logger).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.logger.Info().Str("addr", rt.cfg.HTTPAddr).Msg("api listening")
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func newOrchestratorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrator",
		Short: "Consume orchestration events and advance instances",
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := newRuntime("orchestrator")
			if err != nil {
				return err
			}
			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			locker, closeLocker := rt.newLocker()
			defer closeLocker()

			b, err := broker.Dial(ctx, rt.cfg.BrokerURL, rt.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			orch := orchestrator.New(
				orchestrator.NewUnitOfWork(store),
				locker,
				metrics.New(prometheus.DefaultRegisterer),
				rt.logger,
				orchestrator.WithLockLease(rt.cfg.Orchestrator.LockLease),
			)
			return runConsumer(ctx, broker.NewConsumer(b, events.OrchestrationQueue), orch.Handler())
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume action messages and execute handlers",
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := newRuntime("worker")
			if err != nil {
				return err
			}
			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			b, err := broker.Dial(ctx, rt.cfg.BrokerURL, rt.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			w := worker.New(
				worker.NewUnitOfWork(store),
				connectors.BuiltinRegistry(rt.logger),
				metrics.New(prometheus.DefaultRegisterer),
				rt.logger,
				worker.WithHandlerTimeout(rt.cfg.Worker.HandlerTimeout),
			)
			return runConsumer(ctx, broker.NewConsumer(b, events.ActionsQueue), w.Handler())
		},
	}
}

func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Move committed outbox messages onto the broker",
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := newRuntime("relay")
			if err != nil {
				return err
			}
			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			b, err := broker.Dial(ctx, rt.cfg.BrokerURL, rt.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			publisher, err := broker.NewPublisher(b)
			if err != nil {
				return err
			}
			defer publisher.Close()

			r := relay.New(store, publisher,
				metrics.New(prometheus.DefaultRegisterer), rt.logger,
				relay.WithPollInterval(rt.cfg.Relay.PollInterval),
				relay.WithBatchSize(rt.cfg.Relay.BatchSize),
			)
			return ignoreCancel(r.Run(ctx))
		},
	}
}

func newSweeperCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweeper",
		Short: "Recover instances that stopped making progress",
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := newRuntime("sweeper")
			if err != nil {
				return err
			}
			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			locker, closeLocker := rt.newLocker()
			defer closeLocker()

			s := sweeper.New(
				sweeper.NewUnitOfWork(store),
				locker,
				metrics.New(prometheus.DefaultRegisterer),
				rt.logger,
				sweeper.WithInterval(rt.cfg.Sweeper.Interval),
				sweeper.WithStaleAfter(rt.cfg.Sweeper.StaleAfter),
			)
			return ignoreCancel(s.Run(ctx))
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := newRuntime("migrate")
			if err != nil {
				return err
			}
			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			rt.logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func runConsumer(ctx context.Context, consumer *broker.Consumer, handler broker.Handler) error {
	return ignoreCancel(consumer.Run(ctx, handler))
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
