package rssfeeds

import (
	"context"
	"net/http"
	"sync"
	"time"

	"marketwire/types"
)

// DefaultKind is the adapter used for sources with an unknown adapter kind.
const DefaultKind = "classic"

// Response is the raw result of fetching a source.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher issues the source-specific HTTP request. When useCache is set the
// fetcher attaches conditional request headers derived from the source.
type Fetcher interface {
	Fetch(ctx context.Context, src *types.Source, useCache bool) (*Response, error)
}

// Entry is one raw item of a source payload (a feed item, a JSON object or a
// scraped HTML block).
type Entry any

// Extractor turns a payload into raw entries and each entry into a candidate.
type Extractor interface {
	Entries(body []byte) ([]Entry, error)
	Build(entry Entry, src *types.Source) (*types.ArticleCandidate, error)
}

// UniqueBy selects which keys the store compares when looking for an
// existing article.
type UniqueBy int

const (
	UniqueByTitleOrLink UniqueBy = iota
	UniqueByTitle
	UniqueByLink
)

// PersistOptions tune how an adapter's candidates are written to the store.
type PersistOptions struct {
	UniqueBy UniqueBy
	// DupCheckDays overrides the pipeline duplicate window when positive.
	DupCheckDays int
	// SkipTagSearch suppresses the article.searchTag event for new articles.
	SkipTagSearch bool
}

// Adapter pairs a fetcher with an extractor for one kind of source.
type Adapter struct {
	Kind      string
	Fetcher   Fetcher
	Extractor Extractor
	Persist   PersistOptions
}

// Registry resolves adapters by kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

// NewRegistry returns an empty registry. Resolve panics until the default
// kind has been registered, so most callers want NewDefaultRegistry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Adapter)}
}

// NewDefaultRegistry registers every built-in adapter using client for
// outbound requests.
func NewDefaultRegistry(client *http.Client, userAgent string) *Registry {
	r := NewRegistry()
	r.Register(NewClassicAdapter(client, userAgent))
	r.Register(NewCnbcTv18Adapter(client, userAgent))
	r.Register(NewMoneycontrolAdapter(client, userAgent))
	r.Register(NewNseAdapter(client, userAgent))
	return r
}

// Register adds or replaces the adapter for a.Kind.
func (r *Registry) Register(a *Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind] = a
}

// Resolve returns the adapter registered for kind, falling back to the
// generic feed adapter.
func (r *Registry) Resolve(kind string) *Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[kind]; ok {
		return a
	}
	a, ok := r.adapters[DefaultKind]
	if !ok {
		panic("rssfeeds: no default adapter registered")
	}
	return a
}

// Kinds lists the registered adapter kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}

// NewHTTPClient returns the client shared by the built-in fetchers.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
