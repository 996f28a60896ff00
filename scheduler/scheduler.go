// Package scheduler selects the sources due for a crawl and asks the
// workers to crawl them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketwire/config"
	"marketwire/logger"
	"marketwire/storage"
	"marketwire/types"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Publisher pushes events to subscribers.
type Publisher interface {
	Push(ctx context.Context, path string, payload any) error
}

// TickResult summarizes one scheduler tick.
type TickResult struct {
	Skipped bool
	Due     int
	Pushed  int
	// Lost counts due sources another scheduler claimed first.
	Lost   int
	Failed int
}

// Scheduler claims due sources and emits one feed.crawl event per source.
type Scheduler struct {
	store  storage.Repository
	events Publisher
	cfg    config.Scheduler
	log    *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cronID cron.EntryID
}

// New creates a scheduler.
func New(store storage.Repository, events Publisher, cfg config.Scheduler, log *zap.Logger) *Scheduler {
	log = logger.OrNop(log)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = config.DefaultMinSpacing
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = config.DefaultMaxStaleness
	}
	if cfg.TickSpec == "" {
		cfg.TickSpec = config.DefaultTickSpec
	}
	return &Scheduler{
		store:  store,
		events: events,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Quiet reports whether t falls within the configured quiet hours. The
// window starts at QuietFrom and ends before QuietTo, wrapping past
// midnight when QuietFrom > QuietTo.
func (s *Scheduler) Quiet(t time.Time) bool {
	from, to := s.cfg.QuietFrom, s.cfg.QuietTo
	if from == to {
		return false
	}
	h := t.Hour()
	if from < to {
		return h >= from && h < to
	}
	return h >= from || h < to
}

// Tick selects up to BatchSize due sources, claims each by stamping its
// LastRetrieved and pushes a crawl request for the ones it won. A failure
// on one source is logged and the rest still go out.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	now := s.now()
	res := &TickResult{}
	if s.Quiet(now) {
		s.log.Info("skipping tick during quiet hours", zap.Int("hour", now.Hour()))
		res.Skipped = true
		return res, nil
	}

	due, err := s.store.FindDueSources(ctx, now, s.cfg.MinSpacing, s.cfg.MaxStaleness, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("find due sources: %w", err)
	}
	res.Due = len(due)
	if len(due) == 0 {
		s.log.Debug("no source to crawl")
		return res, nil
	}

	var errs []error
	for _, src := range due {
		claimed, err := s.dispatch(ctx, src, now)
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			s.log.Warn("failed to schedule source", zap.String("source_id", src.ID), zap.Error(err))
			continue
		}
		if !claimed {
			res.Lost++
			s.log.Debug("source already claimed", zap.String("source_id", src.ID))
			continue
		}
		res.Pushed++
		s.log.Debug("pushed crawl request", zap.String("source_id", src.ID), zap.String("link", src.Link))
	}
	s.log.Info("scheduler tick", zap.Int("due", res.Due), zap.Int("pushed", res.Pushed), zap.Int("lost", res.Lost), zap.Int("failed", res.Failed))
	return res, errors.Join(errs...)
}

func (s *Scheduler) dispatch(ctx context.Context, src *types.Source, now time.Time) (bool, error) {
	claimed, err := s.store.ClaimSource(ctx, src.ID, now, s.cfg.MinSpacing, s.cfg.MaxStaleness)
	if err != nil {
		return false, fmt.Errorf("claim source %s: %w", src.ID, err)
	}
	if !claimed {
		return false, nil
	}
	if err := s.events.Push(ctx, types.PathFeedCrawl, types.CrawlRequest{SourceID: src.ID}); err != nil {
		return true, fmt.Errorf("push crawl %s: %w", src.ID, err)
	}
	return true, nil
}

// Start runs Tick on the configured cron spec until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	c := cron.New()
	id, err := c.AddFunc(s.cfg.TickSpec, func() {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error("scheduler tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron = c
	s.cronID = id
	c.Start()
	s.log.Info("scheduler started", zap.String("schedule", s.cfg.TickSpec))
	return nil
}

// Stop stops the cron and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}
