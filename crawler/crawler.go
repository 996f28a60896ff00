// Package crawler runs crawl cycles: fetch a source, skip it when nothing
// changed, extract and filter candidates, persist new articles, announce
// them, and write the source health back in a single update.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"time"

	"marketwire/config"
	"marketwire/deduplication"
	"marketwire/logger"
	"marketwire/rssfeeds"
	"marketwire/storage"
	"marketwire/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeadSourceError is recorded on sources that only return very old items.
const DeadSourceError = "source is probably dead"

// jitterPercent bounds the random spread applied to crawl intervals.
const jitterPercent = 10

// ErrSourceInactive is returned by CrawlByID for disabled or archived sources.
var ErrSourceInactive = errors.New("source is disabled or archived")

// Publisher pushes events to subscribers.
type Publisher interface {
	Push(ctx context.Context, path string, payload any) error
}

// Archiver keeps a copy of every new article.
type Archiver interface {
	Archive(ctx context.Context, a *types.Article) error
}

// Crawler runs crawl cycles against a store.
type Crawler struct {
	store    storage.Repository
	registry *rssfeeds.Registry
	events   Publisher
	archiver Archiver
	client   *http.Client
	cfg      config.Crawler
	metrics  *Metrics
	log      *zap.Logger

	now  func() time.Time
	intn func(n int) int
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithArchiver archives every created article.
func WithArchiver(a Archiver) Option {
	return func(c *Crawler) { c.archiver = a }
}

// WithMetrics records cycle metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Crawler) { c.metrics = m }
}

// WithHTTPClient sets the client used for full-text extraction.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Crawler) { c.client = client }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Crawler) { c.now = now }
}

// WithRand overrides the jitter source. intn must return a value in [0, n).
func WithRand(intn func(n int) int) Option {
	return func(c *Crawler) { c.intn = intn }
}

// New creates a Crawler.
func New(store storage.Repository, registry *rssfeeds.Registry, events Publisher, cfg config.Crawler, log *zap.Logger, opts ...Option) *Crawler {
	c := &Crawler{
		store:    store,
		registry: registry,
		events:   events,
		cfg:      cfg,
		log:      logger.OrNop(log),
		now:      time.Now,
		intn:     rand.IntN,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = rssfeeds.NewHTTPClient(c.fetchTimeout())
	}
	return c
}

// ComputeExpire returns now plus the interval with up to ±10% jitter, rounded
// to the second.
func ComputeExpire(now time.Time, intervalSec int, intn func(n int) int) time.Time {
	jitter := intn(2*jitterPercent+1) - jitterPercent
	secs := math.Round(float64(intervalSec) * (1 + float64(jitter)/100))
	return now.Add(time.Duration(secs) * time.Second)
}

// CrawlByID loads the source and runs one cycle for it.
func (c *Crawler) CrawlByID(ctx context.Context, id string) (*CycleResult, error) {
	src, err := c.store.GetSource(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load source %s: %w", id, err)
	}
	if src.Disabled || src.Archived {
		return nil, fmt.Errorf("crawl source %s: %w", id, ErrSourceInactive)
	}
	return c.Crawl(ctx, src)
}

// Crawl runs one cycle for src. A failed fetch or an unparseable payload is
// returned as an error after the source health was recorded.
func (c *Crawler) Crawl(ctx context.Context, src *types.Source) (*CycleResult, error) {
	start := c.now()
	res := &CycleResult{SourceID: src.ID, CycleID: uuid.NewString()}
	log := c.log.With(zap.String("source_id", src.ID), zap.String("cycle_id", res.CycleID))

	if c.metrics != nil {
		c.metrics.CyclesInFlight.Inc()
		defer c.metrics.CyclesInFlight.Dec()
	}
	defer func() {
		res.Duration = c.now().Sub(start)
		c.metrics.observe(res)
		log.Info("crawl cycle finished",
			zap.String("state", string(res.State)),
			zap.Int("created", res.Created),
			zap.Int("matched", res.Matched),
			zap.Int("errors", res.Errors),
			zap.Duration("duration", res.Duration),
		)
	}()

	adapter := c.registry.Resolve(src.AdapterKind)

	res.enter(StateFetching)
	resp, err := c.fetch(ctx, adapter, src)
	if err != nil {
		return c.fail(ctx, src, res, err, start, log)
	}

	res.enter(StateCacheCheck)
	bodyHash := rssfeeds.ContentHash(resp.Body)
	if rssfeeds.IsCacheHit(resp.StatusCode, resp.Header, src, bodyHash) {
		res.enter(StateHitDone)
		log.Debug("source unchanged", zap.Int("status", resp.StatusCode))
		upd := c.healthy(src, resp, bodyHash, start)
		if _, err := c.store.UpdateSource(ctx, src.ID, upd); err != nil {
			res.Err = fmt.Errorf("update source %s: %w", src.ID, err)
			return res, res.Err
		}
		return res, nil
	}

	res.enter(StateExtracting)
	extracted, err := rssfeeds.Extract(adapter.Extractor, resp.Body, src, start)
	if err != nil {
		return c.fail(ctx, src, res, err, start, log)
	}
	res.Extracted = len(extracted.Candidates)
	if extracted.Failed > 0 {
		log.Warn("skipped entries",
			zap.Int("failed", extracted.Failed),
			zap.Int("total", extracted.Total),
			zap.String("last_error", extracted.LastError),
		)
	}
	// The snapshot covers every parsed candidate, filtered or not.
	snapshot := snapshotOf(extracted.Candidates)

	res.enter(StateFiltering)
	filtered := deduplication.Filter(extracted.Candidates, src, deduplication.Options{
		SkipAfterDays: c.cfg.SkipAfterDays,
		DeadAfterDays: c.cfg.DeadAfterDays,
		Now:           start,
	})
	res.Filter = filtered
	if len(filtered.InvalidRules) > 0 {
		log.Warn("ignoring invalid exclusion rules", zap.Strings("rules", filtered.InvalidRules))
	}
	if filtered.Dead {
		return c.markDead(ctx, src, res, filtered.MaxDroppedAgeDays, log)
	}

	if src.FetchFullText && len(filtered.Candidates) > 0 {
		rssfeeds.EnrichFullText(ctx, c.client, c.cfg.UserAgent, filtered.Candidates, rssfeeds.WorkerCount, log)
	}

	res.enter(StatePersisting)
	persistErr := c.persist(ctx, adapter.Persist, filtered.Candidates, res, start, log)

	res.enter(StateCleanup)
	upd := c.healthy(src, resp, bodyHash, start)
	upd.Snapshot = snapshot
	upd.ReplaceSnapshot = true
	upd.LastParserError = &extracted.LastError
	if persistErr != "" {
		upd.LastError = &persistErr
	}
	if res.Created > 0 {
		upd.AddFetchCount = &types.FetchCount{Date: start, Num: res.Created}
	}
	if _, err := c.store.UpdateSource(ctx, src.ID, upd); err != nil {
		res.Err = fmt.Errorf("update source %s: %w", src.ID, err)
		return res, res.Err
	}
	return res, nil
}

func (c *Crawler) fetch(ctx context.Context, adapter *rssfeeds.Adapter, src *types.Source) (*rssfeeds.Response, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout())
	defer cancel()

	began := time.Now()
	resp, err := adapter.Fetcher.Fetch(fetchCtx, src, true)
	if c.metrics != nil {
		c.metrics.FetchDurationSeconds.Observe(time.Since(began).Seconds())
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 600 {
		return nil, &rssfeeds.FetchError{URL: resp.URL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// fail records a failed cycle on the source and disables it once the
// error threshold is reached.
func (c *Crawler) fail(ctx context.Context, src *types.Source, res *CycleResult, cause error, now time.Time, log *zap.Logger) (*CycleResult, error) {
	res.enter(StateFailed)
	res.Err = cause

	count := src.ErrorCount + 1
	msg := cause.Error()
	expires := ComputeExpire(now, c.interval(src), c.intn)
	upd := types.SourceUpdate{
		ErrorCount:    &count,
		LastError:     &msg,
		LastRetrieved: &now,
		Expires:       &expires,
	}
	if count >= c.disableAfter() {
		disabled := true
		upd.Disabled = &disabled
		log.Warn("disabling source after repeated failures", zap.Int("error_count", count))
	}
	if _, err := c.store.UpdateSource(ctx, src.ID, upd); err != nil {
		log.Error("failed to record crawl failure", zap.Error(err))
	}
	log.Warn("crawl failed", zap.Error(cause), zap.Int("error_count", count))
	return res, cause
}

func (c *Crawler) markDead(ctx context.Context, src *types.Source, res *CycleResult, maxAgeDays float64, log *zap.Logger) (*CycleResult, error) {
	res.enter(StateDead)
	disabled := true
	msg := DeadSourceError
	if _, err := c.store.UpdateSource(ctx, src.ID, types.SourceUpdate{Disabled: &disabled, LastError: &msg}); err != nil {
		res.Err = fmt.Errorf("update source %s: %w", src.ID, err)
		return res, res.Err
	}
	log.Warn("source disabled as dead", zap.Float64("max_age_days", maxAgeDays))
	return res, nil
}

// healthy builds the update written after every successful fetch.
func (c *Crawler) healthy(src *types.Source, resp *rssfeeds.Response, bodyHash string, now time.Time) types.SourceUpdate {
	zero := 0
	empty := ""
	expires := ComputeExpire(now, c.interval(src), c.intn)
	upd := types.SourceUpdate{
		ErrorCount:    &zero,
		LastError:     &empty,
		LastRetrieved: &now,
		Expires:       &expires,
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		upd.ETag = &etag
	} else if bodyHash != "" {
		upd.ETag = &bodyHash
	}
	if raw := resp.Header.Get("Last-Modified"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			upd.LastModified = &t
		}
	}
	return upd
}

// persist writes candidates to the store and announces the new ones. It
// returns the last per-article error, if any.
func (c *Crawler) persist(ctx context.Context, opts rssfeeds.PersistOptions, candidates []*types.ArticleCandidate, res *CycleResult, now time.Time, log *zap.Logger) string {
	window := c.dupWindow(opts)
	var lastErr string
	for _, cand := range candidates {
		a, created, err := c.persistOne(ctx, cand, opts, now.Add(-window), window, log)
		if err != nil {
			res.Errors++
			lastErr = err.Error()
			log.Warn("failed to persist article", zap.String("title", cand.Title), zap.Error(err))
			continue
		}
		if !created {
			res.Matched++
			continue
		}
		res.Created++
		res.ArticleIDs = append(res.ArticleIDs, a.ID)
		c.announce(ctx, a, opts, log)
	}
	return lastErr
}

func (c *Crawler) persistOne(ctx context.Context, cand *types.ArticleCandidate, opts rssfeeds.PersistOptions, since time.Time, window time.Duration, log *zap.Logger) (*types.Article, bool, error) {
	match, err := c.store.FindArticleMatch(ctx, storage.MatchQuery{
		CleanTitle: cand.CleanTitle(),
		Link:       cand.Link,
		Domain:     types.Domain(firstNonEmpty(cand.Link, cand.PageLink)),
		Since:      since,
		ByTitle:    opts.UniqueBy != rssfeeds.UniqueByLink,
		ByLink:     opts.UniqueBy != rssfeeds.UniqueByTitle,
	})
	if err != nil {
		return nil, false, fmt.Errorf("find match: %w", err)
	}
	if match != nil {
		if err := c.merge(ctx, match, cand, log); err != nil {
			return nil, false, err
		}
		return match, false, nil
	}

	a, err := c.store.CreateArticle(ctx, types.NewArticle(cand), window)
	var conflict *storage.PersistenceConflict
	if errors.As(err, &conflict) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create article: %w", err)
	}
	return a, true, nil
}

// merge fills a partial article with what the candidate knows and attaches
// its new tags.
func (c *Crawler) merge(ctx context.Context, a *types.Article, cand *types.ArticleCandidate, log *zap.Logger) error {
	if a.IsPartial && populate(a, cand) {
		if err := c.store.UpdateArticle(ctx, a); err != nil {
			return fmt.Errorf("populate article %s: %w", a.ID, err)
		}
	}
	if len(cand.Tags) == 0 {
		return nil
	}
	added, err := c.store.AddArticleTags(ctx, a.ID, cand.Tags)
	if err != nil {
		return fmt.Errorf("tag article %s: %w", a.ID, err)
	}
	if len(added) > 0 {
		c.push(ctx, types.PathUserFeedSendOnTagAdd, types.SendToFeedOnTagAdd{ArticleID: a.ID, TagNames: added}, log)
	}
	return nil
}

// populate copies the fields a is missing from cand and reports whether
// anything changed.
func populate(a *types.Article, cand *types.ArticleCandidate) bool {
	changed := false
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	fill(&a.Title, cand.Title)
	fill(&a.ShortText, cand.ShortText)
	fill(&a.FullText, cand.FullText)
	fill(&a.PubDateRaw, cand.PubDateRaw)
	if cand.PubDate != nil && a.PubDateIsDefault {
		t := *cand.PubDate
		a.PubDate = &t
		a.PubDateIsDefault = false
		changed = true
	}
	if merged, ok := union(a.Topics, cand.Topics); ok {
		a.Topics = merged
		changed = true
	}
	if merged, ok := union(a.Sources, cand.Sources); ok {
		a.Sources = merged
		changed = true
	}
	if changed {
		a.IsPartial = false
	}
	return changed
}

func union(have, add []string) ([]string, bool) {
	out := slices.Clone(have)
	for _, v := range add {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out, len(out) != len(have)
}

// announce emits the events for a new article and archives it.
func (c *Crawler) announce(ctx context.Context, a *types.Article, opts rssfeeds.PersistOptions, log *zap.Logger) {
	if len(a.Tags) > 0 {
		c.push(ctx, types.PathUserFeedSendOnTagAdd, types.SendToFeedOnTagAdd{ArticleID: a.ID, TagNames: a.Tags}, log)
	}
	if !opts.SkipTagSearch {
		c.push(ctx, types.PathArticleSearchTag, types.ArticleRef{ArticleID: a.ID}, log)
	}
	c.push(ctx, types.PathArticlePublishArticle, types.ArticleRef{ArticleID: a.ID}, log)

	if c.archiver != nil {
		if err := c.archiver.Archive(ctx, a); err != nil {
			log.Warn("failed to archive article", zap.String("article_id", a.ID), zap.Error(err))
		}
	}
}

func (c *Crawler) push(ctx context.Context, path string, payload any, log *zap.Logger) {
	if c.events == nil {
		return
	}
	if err := c.events.Push(ctx, path, payload); err != nil {
		log.Warn("failed to push event", zap.String("path", path), zap.Error(err))
	}
}

func (c *Crawler) interval(src *types.Source) int {
	if src.CrawlIntervalSec > 0 {
		return src.CrawlIntervalSec
	}
	if c.cfg.DefaultInterval > 0 {
		return c.cfg.DefaultInterval
	}
	return config.DefaultCrawlIntervalSec
}

func (c *Crawler) fetchTimeout() time.Duration {
	if c.cfg.FetchTimeout > 0 {
		return c.cfg.FetchTimeout
	}
	return config.DefaultFetchTimeout
}

func (c *Crawler) disableAfter() int {
	if c.cfg.DisableAfterErrors > 0 {
		return c.cfg.DisableAfterErrors
	}
	return config.DefaultDisableAfterErrors
}

func (c *Crawler) dupWindow(opts rssfeeds.PersistOptions) time.Duration {
	days := opts.DupCheckDays
	if days <= 0 {
		days = c.cfg.DupCheckDays
	}
	if days <= 0 {
		days = config.DefaultDupCheckDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func snapshotOf(candidates []*types.ArticleCandidate) []types.SnapshotEntry {
	n := min(len(candidates), types.MaxSnapshotEntries)
	out := make([]types.SnapshotEntry, 0, n)
	for _, cand := range candidates[:n] {
		out = append(out, types.SnapshotEntry{Title: cand.CleanTitle(), Link: cand.Link})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
