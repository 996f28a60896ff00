// Package subscribers wires the pipeline's event routes: the push routes
// every producer needs and the pull routes a worker serves.
package subscribers

import (
	"context"
	"errors"
	"fmt"

	"marketwire/crawler"
	"marketwire/logger"
	"marketwire/pubsub"
	"marketwire/storage"
	"marketwire/types"

	"go.uber.org/zap"
)

// Publisher pushes events to subscribers.
type Publisher interface {
	Push(ctx context.Context, path string, payload any) error
}

// Submitter starts a crawl cycle for a source.
type Submitter interface {
	Submit(ctx context.Context, sourceID string) error
}

// Deps are the collaborators of the pull routes.
type Deps struct {
	Store storage.Repository
	Pool  Submitter
	// Events receives follow-up events. NewRouter defaults it to the
	// combined router.
	Events Publisher
	Log    *zap.Logger
}

// NewPublisherRouter returns a router with a validated push route for
// every event the pipeline emits.
func NewPublisherRouter(log *zap.Logger) (*pubsub.Router, error) {
	r := pubsub.NewRouter(log)
	routes := []struct {
		path      string
		validator pubsub.Validator
	}{
		{types.PathFeedCrawl, pubsub.Validate[types.CrawlRequest]()},
		{types.PathArticleSearchTag, pubsub.Validate[types.ArticleRef]()},
		{types.PathArticleSearchTagSet, pubsub.Validate[types.SearchTagSet]()},
		{types.PathArticlePublishArticle, pubsub.Validate[types.ArticleRef]()},
		{types.PathUserFeedSendOnTagAdd, pubsub.Validate[types.SendToFeedOnTagAdd]()},
	}
	for _, route := range routes {
		if err := r.OnPush(route.path, route.validator, nil, pubsub.Opts{}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewSubscriberRouter returns a router with the pull routes served by a
// worker.
func NewSubscriberRouter(deps Deps) (*pubsub.Router, error) {
	if deps.Store == nil || deps.Pool == nil || deps.Events == nil {
		return nil, errors.New("subscribers: store, pool and events are required")
	}
	log := logger.OrNop(deps.Log)
	articles := &articleSubscriber{store: deps.Store, events: deps.Events, log: log.Named("articles")}
	feeds := &feedSubscriber{pool: deps.Pool, log: log.Named("feeds")}

	r := pubsub.NewRouter(log)
	regs := []error{
		r.OnPull(types.PathFeedCrawl, pubsub.Validate[types.CrawlRequest](), pubsub.Handle(feeds.crawl), pubsub.Opts{}),
		r.OnPull(types.PathArticleObserverPattern, pubsub.Validate[types.ArticleRef](), logRequest(log), pubsub.Opts{Middleware: true}),
		r.OnPull(types.PathArticleSearchTag, pubsub.Validate[types.ArticleRef](), pubsub.Handle(articles.searchTag), pubsub.Opts{}),
		r.OnPull(types.PathArticleSearchTagSet, pubsub.Validate[types.SearchTagSet](), pubsub.Handle(articles.searchTagSet), pubsub.Opts{}),
		// Live push and user feeds are consumed outside the pipeline.
		r.OnPull(types.PathArticlePublishArticle, pubsub.Validate[types.ArticleRef](), logRequest(log), pubsub.Opts{}),
		r.OnPull(types.PathUserFeedSendOnTagAdd, pubsub.Validate[types.SendToFeedOnTagAdd](), logRequest(log), pubsub.Opts{}),
	}
	if err := errors.Join(regs...); err != nil {
		return nil, err
	}
	return r, nil
}

// NewRouter combines the publisher and subscriber routes.
func NewRouter(deps Deps) (*pubsub.Router, error) {
	r, err := NewPublisherRouter(deps.Log)
	if err != nil {
		return nil, err
	}
	if deps.Events == nil {
		deps.Events = r
	}
	sub, err := NewSubscriberRouter(deps)
	if err != nil {
		return nil, err
	}
	if err := r.Use(sub); err != nil {
		return nil, fmt.Errorf("merge subscriber routes: %w", err)
	}
	return r, nil
}

type feedSubscriber struct {
	pool Submitter
	log  *zap.Logger
}

func (s *feedSubscriber) crawl(ctx context.Context, p *types.CrawlRequest) error {
	err := s.pool.Submit(ctx, p.SourceID)
	if errors.Is(err, crawler.ErrInFlight) {
		s.log.Info("crawl already running", zap.String("source_id", p.SourceID))
		return nil
	}
	return err
}

func logRequest(log *zap.Logger) pubsub.Handler {
	return func(_ context.Context, req *pubsub.Request) error {
		log.Debug("pulled event", zap.String("path", req.Path), zap.ByteString("payload", req.Payload))
		return nil
	}
}
