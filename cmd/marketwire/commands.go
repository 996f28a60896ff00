package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"slices"
	"syscall"

	"marketwire/config"
	"marketwire/pubsub"
	"marketwire/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	forwardFrom string
	forwardTo   string
)

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Run scheduler, workers and API in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				t   pubsub.Transport
				err error
			)
			if cfg.Transport.Kind == config.TransportMemory {
				t = pubsub.NewMemoryTransport(256)
			} else {
				t, err = a.newTransport(cfg.Transport.Kind, true)
				if err != nil {
					return err
				}
			}
			defer t.Close()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.runWorker(ctx, t) })
			g.Go(func() error { return a.runScheduler(ctx, t) })
			g.Go(func() error { return a.runAPI(ctx, t) })
			return g.Wait()
		})
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Queue crawl requests for due sources on every tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransport(cmd, false, func(ctx context.Context, a *app, t pubsub.Transport) error {
			return a.runScheduler(ctx, t)
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume crawl and tag search events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransport(cmd, true, func(ctx context.Context, a *app, t pubsub.Transport) error {
			return a.runWorker(ctx, t)
		})
	},
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransport(cmd, false, func(ctx context.Context, a *app, t pubsub.Transport) error {
			return a.runAPI(ctx, t)
		})
	},
}

var forwarderCmd = &cobra.Command{
	Use:   "forwarder",
	Short: "Relay events from one transport to another",
	RunE: func(cmd *cobra.Command, args []string) error {
		if forwardFrom == forwardTo {
			return fmt.Errorf("--from and --to must differ, both are %q", forwardFrom)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			in, err := a.newTransport(forwardFrom, true)
			if err != nil {
				return fmt.Errorf("source transport: %w", err)
			}
			defer in.Close()
			out, err := a.newTransport(forwardTo, false)
			if err != nil {
				return fmt.Errorf("target transport: %w", err)
			}
			defer out.Close()

			log.Info("forwarding events", zap.String("from", forwardFrom), zap.String("to", forwardTo))
			return pubsub.Forward(ctx, in, out, log.Named("forward"))
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Store the built-in source presets that are not stored yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			keys := make([]string, 0, len(config.SourcePresets))
			for k := range config.SourcePresets {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			added := 0
			for _, key := range keys {
				_, err := a.store.GetSource(ctx, key)
				if err == nil {
					continue
				}
				if !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				if err := a.store.SaveSource(ctx, config.SourcePresets[key].Source(key)); err != nil {
					return err
				}
				log.Info("seeded source", zap.String("source_id", key))
				added++
			}
			log.Info("seed complete", zap.Int("added", added), zap.Int("presets", len(keys)))
			return nil
		})
	},
}

func init() {
	forwarderCmd.Flags().StringVar(&forwardFrom, "from", config.TransportRedis, "transport to consume from (redis or kafka)")
	forwarderCmd.Flags().StringVar(&forwardTo, "to", config.TransportKafka, "transport to publish to (redis or kafka)")
}

// withApp runs fn with a signal-aware context and the shared connections.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withTransport is withApp plus the configured transport.
func withTransport(cmd *cobra.Command, consume bool, fn func(ctx context.Context, a *app, t pubsub.Transport) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		t, err := a.newTransport(cfg.Transport.Kind, consume)
		if err != nil {
			return err
		}
		defer t.Close()
		return fn(ctx, a, t)
	})
}
