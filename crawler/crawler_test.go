package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"marketwire/config"
	"marketwire/rssfeeds"
	"marketwire/storage"
	"marketwire/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pushed struct {
	path    string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []pushed
}

func (p *recordingPublisher) Push(_ context.Context, path string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pushed{path: path, payload: payload})
	return nil
}

func (p *recordingPublisher) byPath(path string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.events {
		if e.path == path {
			out = append(out, e.payload)
		}
	}
	return out
}

// countingStore records every source update on top of a real store.
type countingStore struct {
	storage.Repository
	mu      sync.Mutex
	updates int
}

func (s *countingStore) UpdateSource(ctx context.Context, id string, upd types.SourceUpdate) (*types.Source, error) {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return s.Repository.UpdateSource(ctx, id, upd)
}

type fakeArchive struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeArchive) Archive(_ context.Context, a *types.Article) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, a.ID)
	return nil
}

type harness struct {
	store    *countingStore
	events   *recordingPublisher
	archive  *fakeArchive
	metrics  *Metrics
	crawler  *Crawler
	now      time.Time
	registry *rssfeeds.Registry
}

func newHarness(t *testing.T, cfg config.Crawler) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	h := &harness{
		store:    &countingStore{Repository: storage.NewRedisStore(client)},
		events:   &recordingPublisher{},
		archive:  &fakeArchive{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
		now:      time.Now().UTC().Truncate(time.Second),
		registry: rssfeeds.NewDefaultRegistry(http.DefaultClient, "marketwire-test"),
	}
	h.crawler = New(h.store, h.registry, h.events, cfg, zap.NewNop(),
		WithArchiver(h.archive),
		WithMetrics(h.metrics),
		WithClock(func() time.Time { return h.now }),
	)
	return h
}

func (h *harness) addSource(t *testing.T, src *types.Source) *types.Source {
	t.Helper()
	require.NoError(t, h.store.SaveSource(context.Background(), src))
	return src
}

func (h *harness) reload(t *testing.T, id string) *types.Source {
	t.Helper()
	src, err := h.store.GetSource(context.Background(), id)
	require.NoError(t, err)
	return src
}

type item struct {
	title, link, description string
	pub                      time.Time
}

func rss(items ...item) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Markets</title>`)
	for _, it := range items {
		b.WriteString("<item>")
		fmt.Fprintf(&b, "<title>%s</title><link>%s</link>", it.title, it.link)
		if it.description != "" {
			fmt.Fprintf(&b, "<description>%s</description>", it.description)
		}
		if !it.pub.IsZero() {
			fmt.Fprintf(&b, "<pubDate>%s</pubDate>", it.pub.Format(time.RFC1123Z))
		}
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

func feedServer(t *testing.T, etag string, body func() string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if etag != "" {
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", etag)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComputeExpireJitterBounds(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	for v := 0; v <= 20; v++ {
		got := ComputeExpire(now, 900, func(n int) int {
			require.Equal(t, 21, n)
			return v
		})
		assert.False(t, got.Before(now.Add(810*time.Second)), "jitter %d", v)
		assert.False(t, got.After(now.Add(990*time.Second)), "jitter %d", v)
	}

	assert.Equal(t, now.Add(810*time.Second), ComputeExpire(now, 900, func(int) int { return 0 }))
	assert.Equal(t, now.Add(990*time.Second), ComputeExpire(now, 900, func(int) int { return 20 }))
	assert.Equal(t, now.Add(900*time.Second), ComputeExpire(now, 900, func(int) int { return 10 }))
}

func TestCrawlMarketRally(t *testing.T) {
	h := newHarness(t, config.Crawler{})
	pub := h.now.Add(-time.Hour)
	srv := feedServer(t, `"rally-1"`, func() string {
		return rss(
			item{title: "Market Rally", link: "https://news.example.com/x", pub: pub},
			item{title: "market rally", link: "https://news.example.com/x", pub: pub},
		)
	})
	src := h.addSource(t, &types.Source{ID: "a", Link: srv.URL, CrawlIntervalSec: 900})

	res, err := h.crawler.Crawl(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, StateCleanup, res.State)
	assert.Equal(t, []State{StateFetching, StateCacheCheck, StateExtracting, StateFiltering, StatePersisting, StateCleanup}, res.Trail)
	assert.Equal(t, 2, res.Extracted)
	assert.Equal(t, 1, res.Filter.DuplicateDropped)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 0, res.Matched)
	require.Len(t, res.ArticleIDs, 1)
	id := res.ArticleIDs[0]

	searches := h.events.byPath(types.PathArticleSearchTag)
	require.Len(t, searches, 1)
	assert.Equal(t, types.ArticleRef{ArticleID: id}, searches[0])
	assert.Len(t, h.events.byPath(types.PathArticlePublishArticle), 1)
	assert.Empty(t, h.events.byPath(types.PathUserFeedSendOnTagAdd))
	assert.Equal(t, []string{id}, h.archive.ids)

	stored := h.reload(t, "a")
	assert.Equal(t, `"rally-1"`, stored.ETag)
	assert.Equal(t, 0, stored.ErrorCount)
	assert.Empty(t, stored.LastError)
	assert.True(t, stored.LastRetrieved.Equal(h.now))
	assert.False(t, stored.Expires.Before(h.now.Add(810*time.Second)))
	assert.False(t, stored.Expires.After(h.now.Add(990*time.Second)))
	assert.Len(t, stored.Snapshot, 2)
	require.Len(t, stored.FetchCounts, 1)
	assert.Equal(t, 1, stored.FetchCounts[0].Num)
	assert.Equal(t, 1, h.store.updates)

	article, err := h.store.GetArticle(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Market Rally", article.Title)
	assert.Equal(t, "market rally", article.CleanTitle)
	assert.Equal(t, "news.example.com", article.SourceDomain)
	assert.True(t, article.IsPartial)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CyclesTotal.WithLabelValues(OutcomeNew)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ArticlesTotal.WithLabelValues("created")))
}

func TestCrawlCacheHitIsIdempotent(t *testing.T) {
	pub := time.Now().UTC().Add(-time.Hour)
	body := func() string {
		return rss(item{title: "Rupee steadies", link: "https://news.example.com/rupee", pub: pub})
	}

	cases := []struct {
		name string
		etag string
	}{
		{"content hash", ""},
		{"not modified", `"rupee-1"`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, config.Crawler{})
			srv := feedServer(t, c.etag, body)
			h.addSource(t, &types.Source{ID: "src", Link: srv.URL, CrawlIntervalSec: 600})

			res, err := h.crawler.CrawlByID(context.Background(), "src")
			require.NoError(t, err)
			require.Equal(t, 1, res.Created)
			if c.etag == "" {
				assert.True(t, rssfeeds.IsContentHash(h.reload(t, "src").ETag))
			}

			for i := 0; i < 2; i++ {
				res, err = h.crawler.CrawlByID(context.Background(), "src")
				require.NoError(t, err)
				assert.Equal(t, StateHitDone, res.State)
				assert.Equal(t, 0, res.Created)
			}

			stored := h.reload(t, "src")
			assert.Equal(t, 0, stored.ErrorCount)
			assert.Len(t, stored.Snapshot, 1, "snapshot is kept on a cache hit")
			assert.Len(t, stored.FetchCounts, 1)
			assert.Len(t, h.events.byPath(types.PathArticlePublishArticle), 1)
			assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.CyclesTotal.WithLabelValues(OutcomeCacheHit)))
		})
	}
}

func TestCrawlSnapshotSkipsSeenItems(t *testing.T) {
	h := newHarness(t, config.Crawler{})
	pub := h.now.Add(-time.Hour)
	items := []item{{title: "First", link: "https://news.example.com/1", pub: pub}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rss(items...)))
	}))
	defer srv.Close()
	h.addSource(t, &types.Source{ID: "src", Link: srv.URL})

	res, err := h.crawler.CrawlByID(context.Background(), "src")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	items = append(items, item{title: "Second", link: "https://news.example.com/2", pub: pub})
	res, err = h.crawler.CrawlByID(context.Background(), "src")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Filter.SnapshotDropped)
	assert.Equal(t, 1, res.Created)
	assert.Len(t, h.reload(t, "src").Snapshot, 2)
}

func TestCrawlErrorThreshold(t *testing.T) {
	h := newHarness(t, config.Crawler{DisableAfterErrors: 3})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	h.addSource(t, &types.Source{ID: "flaky", Link: srv.URL, CrawlIntervalSec: 900})

	for i := 1; i <= 3; i++ {
		res, err := h.crawler.CrawlByID(context.Background(), "flaky")
		var fetchErr *rssfeeds.FetchError
		require.True(t, errors.As(err, &fetchErr), "got %v", err)
		assert.Equal(t, http.StatusInternalServerError, fetchErr.StatusCode)
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, 0, res.Created)

		stored := h.reload(t, "flaky")
		assert.Equal(t, i, stored.ErrorCount)
		assert.Contains(t, stored.LastError, "status 500")
		assert.Equal(t, i == 3, stored.Disabled)
		assert.False(t, stored.Expires.Before(h.now.Add(810*time.Second)))
	}

	_, err := h.crawler.CrawlByID(context.Background(), "flaky")
	assert.ErrorIs(t, err, ErrSourceInactive)
	assert.Empty(t, h.events.events)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.CyclesTotal.WithLabelValues(OutcomeFailed)))
}

func TestCrawlRecoversErrorCount(t *testing.T) {
	h := newHarness(t, config.Crawler{})
	srv := feedServer(t, "", func() string {
		return rss(item{title: "Back online", link: "https://news.example.com/b", pub: h.now.Add(-time.Minute)})
	})
	h.addSource(t, &types.Source{ID: "src", Link: srv.URL, ErrorCount: 4, LastError: "timeout"})

	_, err := h.crawler.CrawlByID(context.Background(), "src")
	require.NoError(t, err)
	stored := h.reload(t, "src")
	assert.Equal(t, 0, stored.ErrorCount)
	assert.Empty(t, stored.LastError)
}

func TestCrawlMalformedPayloadFails(t *testing.T) {
	h := newHarness(t, config.Crawler{})
	srv := feedServer(t, "", func() string { return "this is not a feed" })
	h.addSource(t, &types.Source{ID: "broken", Link: srv.URL})

	res, err := h.crawler.CrawlByID(context.Background(), "broken")
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	stored := h.reload(t, "broken")
	assert.Equal(t, 1, stored.ErrorCount)
	assert.Empty(t, stored.ETag)
}

func TestCrawlDeadSource(t *testing.T) {
	h := newHarness(t, config.Crawler{SkipAfterDays: 5, DeadAfterDays: 30})
	old := h.now.Add(-60 * 24 * time.Hour)
	srv := feedServer(t, "", func() string {
		return rss(
			item{title: "Ancient news", link: "https://news.example.com/old", pub: old},
			item{title: "Older news", link: "https://news.example.com/older", pub: old.Add(-time.Hour)},
		)
	})
	h.addSource(t, &types.Source{ID: "dead", Link: srv.URL})

	res, err := h.crawler.CrawlByID(context.Background(), "dead")
	require.NoError(t, err)
	assert.Equal(t, StateDead, res.State)
	assert.True(t, res.Filter.Dead)
	assert.Equal(t, 0, res.Created)
	assert.Empty(t, h.events.events)

	stored := h.reload(t, "dead")
	assert.True(t, stored.Disabled)
	assert.Equal(t, DeadSourceError, stored.LastError)
	assert.Empty(t, stored.Snapshot)
}

func TestCrawlPopulatesPartialMatch(t *testing.T) {
	h := newHarness(t, config.Crawler{})
	pub := h.now.Add(-time.Hour)
	mux := http.NewServeMux()
	mux.HandleFunc("/bare", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rss(item{title: "Gold hits record", link: "https://news.example.com/gold"})))
	})
	mux.HandleFunc("/rich", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rss(item{title: "Gold hits record", link: "https://news.example.com/gold", description: "Bullion rose 2%.", pub: pub})))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	h.addSource(t, &types.Source{ID: "bare", Link: srv.URL + "/bare"})
	h.addSource(t, &types.Source{ID: "rich", Link: srv.URL + "/rich"})

	res, err := h.crawler.CrawlByID(context.Background(), "bare")
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	id := res.ArticleIDs[0]

	res, err = h.crawler.CrawlByID(context.Background(), "rich")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Matched)

	article, err := h.store.GetArticle(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Bullion rose 2%.", article.ShortText)
	require.NotNil(t, article.PubDate)
	assert.True(t, article.PubDate.Equal(pub))
	assert.False(t, article.PubDateIsDefault)
	assert.False(t, article.IsPartial)
	assert.Len(t, h.events.byPath(types.PathArticlePublishArticle), 1)
}

func TestCrawlSkipsTagSearchWhenAdapterAsks(t *testing.T) {
	h := newHarness(t, config.Crawler{})
	srv := feedServer(t, "", func() string {
		return rss(item{title: "Circular", link: "https://news.example.com/c", pub: h.now.Add(-time.Minute)})
	})
	classic := h.registry.Resolve(rssfeeds.DefaultKind)
	h.registry.Register(&rssfeeds.Adapter{
		Kind:      "quiet",
		Fetcher:   classic.Fetcher,
		Extractor: classic.Extractor,
		Persist:   rssfeeds.PersistOptions{UniqueBy: rssfeeds.UniqueByTitle, SkipTagSearch: true},
	})
	h.addSource(t, &types.Source{ID: "src", Link: srv.URL, AdapterKind: "quiet"})

	res, err := h.crawler.CrawlByID(context.Background(), "src")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Empty(t, h.events.byPath(types.PathArticleSearchTag))
	assert.Len(t, h.events.byPath(types.PathArticlePublishArticle), 1)
}

func TestPopulate(t *testing.T) {
	retrieved := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	a := &types.Article{Title: "T", PubDate: &retrieved, PubDateIsDefault: true, Topics: []string{"markets"}, IsPartial: true}

	assert.False(t, populate(a, &types.ArticleCandidate{Title: "other", Topics: []string{"markets"}}))
	assert.True(t, a.IsPartial)

	pub := retrieved.Add(-time.Hour)
	assert.True(t, populate(a, &types.ArticleCandidate{FullText: "body", PubDate: &pub, Topics: []string{"gold"}}))
	assert.Equal(t, "T", a.Title)
	assert.Equal(t, "body", a.FullText)
	assert.Equal(t, []string{"markets", "gold"}, a.Topics)
	assert.True(t, a.PubDate.Equal(pub))
	assert.False(t, a.IsPartial)
}

const storyPage = `<!DOCTYPE html>
<html><head><title>RBI keeps repo rate unchanged</title></head>
<body>
<article>
<h1>RBI keeps repo rate unchanged</h1>
<p>The Reserve Bank of India left its key policy rate unchanged on Wednesday, in line with the
expectations of most economists polled ahead of the monetary policy committee meeting.</p>
<p>The central bank retained its stance and said it would remain watchful of food inflation,
which has stayed above the upper end of its tolerance band for several consecutive months.</p>
<p>Bond yields eased after the announcement while the rupee traded in a narrow range against the
dollar as importers and exporters waited for fresh cues from global markets.</p>
</article>
</body></html>`

func TestCrawlFetchesFullText(t *testing.T) {
	h := newHarness(t, config.Crawler{})
	pub := h.now.Add(-time.Hour)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/rss", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rss(item{title: "RBI keeps repo rate unchanged", link: srv.URL + "/policy", description: "Rates on hold.", pub: pub})))
	})
	mux.HandleFunc("/policy", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(storyPage))
	})

	h.crawler = New(h.store, h.registry, h.events, config.Crawler{UserAgent: "marketwire-test"}, zap.NewNop(),
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return h.now }),
	)
	src := h.addSource(t, &types.Source{ID: "rbi", Link: srv.URL + "/rss", CrawlIntervalSec: 900, FetchFullText: true})

	res, err := h.crawler.Crawl(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, StateCleanup, res.State)
	require.Len(t, res.ArticleIDs, 1)

	article, err := h.store.GetArticle(context.Background(), res.ArticleIDs[0])
	require.NoError(t, err)
	assert.False(t, article.IsPartial)
	assert.Contains(t, article.FullText, "remain watchful of food inflation")
	assert.Equal(t, "Rates on hold.", article.ShortText)
}
