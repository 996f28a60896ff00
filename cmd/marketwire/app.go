package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"marketwire/api"
	"marketwire/config"
	"marketwire/crawler"
	"marketwire/pubsub"
	"marketwire/rssfeeds"
	"marketwire/scheduler"
	"marketwire/storage"
	"marketwire/subscribers"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// app holds the connections shared by every role in a process.
type app struct {
	redis *redis.Client
	store *storage.RedisStore
}

func newApp(ctx context.Context) (*app, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	return &app{redis: client, store: storage.NewRedisStore(client)}, nil
}

func (a *app) Close() error {
	return a.redis.Close()
}

// newTransport builds the transport named by kind. Send-only roles pass
// consume=false so they never join the consumer group.
func (a *app) newTransport(kind string, consume bool) (pubsub.Transport, error) {
	switch kind {
	case config.TransportRedis:
		return pubsub.NewRedisTransport(a.redis, pubsub.RedisConfig{
			Stream:   cfg.Redis.Stream,
			Group:    cfg.Redis.Group,
			Consumer: consumerName(),
			MinIdle:  cfg.Redis.ClaimMinIdle,
		}, log.Named("redis")), nil
	case config.TransportKafka:
		kc := pubsub.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}
		if consume {
			kc.GroupID = cfg.Kafka.GroupID
		}
		t, err := pubsub.NewKafkaTransport(kc, log.Named("kafka"))
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportMemory:
		return nil, errors.New("memory transport only connects roles inside one process, use standalone")
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "marketwire"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// publisher returns a router that validates and pushes events onto t.
func publisher(t pubsub.Transport) (*pubsub.Router, error) {
	r, err := subscribers.NewPublisherRouter(log.Named("events"))
	if err != nil {
		return nil, err
	}
	r.SetPushTransport(t)
	return r, nil
}

func (a *app) newCrawler(ctx context.Context, events crawler.Publisher) (*crawler.Crawler, error) {
	client := rssfeeds.NewHTTPClient(cfg.Crawler.FetchTimeout)
	registry := rssfeeds.NewDefaultRegistry(client, cfg.Crawler.UserAgent)

	opts := []crawler.Option{
		crawler.WithHTTPClient(client),
		crawler.WithMetrics(crawler.NewMetrics(prometheus.DefaultRegisterer)),
	}
	if cfg.S3.Bucket != "" {
		archiver, err := storage.NewS3Archiver(ctx, storage.S3Config{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			Region:       cfg.S3.Region,
			Profile:      cfg.S3.Profile,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, crawler.WithArchiver(archiver))
		log.Info("archiving new articles", zap.String("bucket", cfg.S3.Bucket), zap.String("prefix", cfg.S3.Prefix))
	} else {
		log.Info("S3 not configured; skipping archive")
	}
	return crawler.New(a.store, registry, events, cfg.Crawler, log.Named("crawler"), opts...), nil
}

// runWorker consumes events from t until ctx is done, then waits for
// running cycles.
func (a *app) runWorker(ctx context.Context, t pubsub.Transport) error {
	events, err := publisher(t)
	if err != nil {
		return err
	}
	c, err := a.newCrawler(ctx, events)
	if err != nil {
		return err
	}
	pool := crawler.NewPool(c, cfg.Crawler.Workers, log.Named("pool"))

	router, err := subscribers.NewRouter(subscribers.Deps{
		Store:  a.store,
		Pool:   pool,
		Events: events,
		Log:    log.Named("subscribers"),
	})
	if err != nil {
		return err
	}
	router.Listen(t)
	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	log.Info("worker started", zap.Int("workers", cfg.Crawler.Workers), zap.Strings("routes", router.Routes()))

	<-ctx.Done()
	log.Info("worker stopping, waiting for running cycles")
	pool.Wait()
	return nil
}

// runScheduler queues due sources every tick until ctx is done.
func (a *app) runScheduler(ctx context.Context, t pubsub.Transport) error {
	events, err := publisher(t)
	if err != nil {
		return err
	}
	s := scheduler.New(a.store, events, cfg.Scheduler, log.Named("scheduler"))
	if err := s.Start(ctx); err != nil {
		return err
	}
	log.Info("scheduler started", zap.String("tick", cfg.Scheduler.TickSpec), zap.Int("batch_size", cfg.Scheduler.BatchSize))

	<-ctx.Done()
	s.Stop()
	log.Info("scheduler stopped")
	return nil
}

// runAPI serves HTTP until ctx is done.
func (a *app) runAPI(ctx context.Context, t pubsub.Transport) error {
	events, err := publisher(t)
	if err != nil {
		return err
	}
	router := api.NewRouter(api.Deps{
		Store:  a.store,
		Events: events,
		Pinger: a.store,
		Log:    log.Named("api"),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting API server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	log.Info("API server stopped")
	return nil
}
