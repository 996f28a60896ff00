package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Transport that keeps every sent message.
type recorder struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (r *recorder) Send(_ context.Context, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, append([]byte(nil), msg...))
	return nil
}

func (r *recorder) OnReceive(func(context.Context, []byte)) {}
func (r *recorder) Start(context.Context) error             { return nil }
func (r *recorder) Close() error                            { return nil }

func (r *recorder) requests(t *testing.T) []Request {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, len(r.sent))
	for i, msg := range r.sent {
		require.NoError(t, json.Unmarshal(msg, &out[i]))
	}
	return out
}

type articleRef struct {
	ArticleID string `json:"articleId" validate:"required"`
}

func TestCompilePath(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"feed.crawl", "feed.crawl", true},
		{"feed.crawl", "feedxcrawl", false},
		{"feed.crawl", "feed.crawl.extra", false},
		{"article.*", "article.searchTag", true},
		{"article.*", "article.", true},
		{"article.*", "articles.searchTag", false},
		{"*", "anything.at_all", true},
	}
	for _, c := range cases {
		re, err := compilePath(c.pattern)
		require.NoError(t, err)
		assert.Equal(t, c.want, re.MatchString(c.path), "%s ~ %s", c.pattern, c.path)
	}

	for _, bad := range []string{"", "feed/crawl", "feed crawl", "a-b", "x+"} {
		_, err := compilePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestAddRouteRejectsMalformed(t *testing.T) {
	r := NewRouter(nil)
	assert.Error(t, r.OnPush("bad path", nil, nil, Opts{}))
	assert.Error(t, r.OnPull("feed.crawl", nil, nil, Opts{}))
	assert.Error(t, r.AddRoute(Route{Method: "publish", Path: "feed.crawl"}))
}

func TestPushRoutingErrors(t *testing.T) {
	r := NewRouter(nil)
	require.NoError(t, r.OnPush("feed.crawl", nil, nil, Opts{}))

	err := r.Push(context.Background(), "feed.crawl", map[string]string{"sourceId": "1"})
	var re *RoutingError
	require.True(t, errors.As(err, &re), "no transport: %v", err)
	assert.Equal(t, "no push transport", re.Reason)

	out := &recorder{}
	r.SetPushTransport(out)

	err = r.Push(context.Background(), "unknown.path", nil)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, MethodPush, re.Method)
	assert.Equal(t, "unknown.path", re.Path)

	err = r.Push(context.Background(), "bad/path", nil)
	require.True(t, errors.As(err, &re))

	assert.Empty(t, out.requests(t))
}

func TestPushMiddlewareOnlyFails(t *testing.T) {
	r := NewRouter(nil)
	r.SetPushTransport(&recorder{})
	var observed atomic.Int32
	require.NoError(t, r.OnPush("article.*", nil, func(ctx context.Context, req *Request, push PushFunc) error {
		observed.Add(1)
		return nil
	}, Opts{Middleware: true}))

	err := r.Push(context.Background(), "article.searchTag", articleRef{ArticleID: "a1"})
	var re *RoutingError
	require.True(t, errors.As(err, &re))
	assert.Zero(t, observed.Load())
}

func TestPushInvokesMainAndMiddleware(t *testing.T) {
	r := NewRouter(nil)
	out := &recorder{}
	r.SetPushTransport(out)

	var observed atomic.Int32
	require.NoError(t, r.OnPush("article.searchTag", Validate[articleRef](), nil, Opts{}))
	require.NoError(t, r.OnPush("article.*", nil, func(ctx context.Context, req *Request, push PushFunc) error {
		observed.Add(1)
		return nil
	}, Opts{Middleware: true}))

	payload := map[string]any{"articleId": "a1", "extra": true}
	require.NoError(t, r.Push(context.Background(), "article.searchTag", payload))

	assert.EqualValues(t, 1, observed.Load())
	reqs := out.requests(t)
	require.Len(t, reqs, 1)
	assert.Equal(t, "article.searchTag", reqs[0].Path)
	// The validator rewrote the payload to its declared fields.
	assert.JSONEq(t, `{"articleId":"a1"}`, string(reqs[0].Payload))
}

func TestPushValidationFailureIsolatesRoute(t *testing.T) {
	r := NewRouter(nil)
	out := &recorder{}
	r.SetPushTransport(out)

	require.NoError(t, r.OnPush("article.searchTag", Validate[articleRef](), nil, Opts{}))
	var observed atomic.Int32
	require.NoError(t, r.OnPush("article.*", nil, func(ctx context.Context, req *Request, push PushFunc) error {
		observed.Add(1)
		return nil
	}, Opts{Middleware: true}))

	err := r.Push(context.Background(), "article.searchTag", map[string]string{})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "article.searchTag", ve.Path)
	assert.Empty(t, out.requests(t))
	assert.EqualValues(t, 1, observed.Load())
}

func TestPushHandlerErrorsAreNotReturned(t *testing.T) {
	r := NewRouter(nil)
	r.SetPushTransport(&recorder{err: errors.New("broker down")})
	require.NoError(t, r.OnPush("feed.crawl", nil, nil, Opts{}))
	require.NoError(t, r.OnPush("feed.*", nil, func(ctx context.Context, req *Request, push PushFunc) error {
		panic("boom")
	}, Opts{Middleware: true}))

	assert.NoError(t, r.Push(context.Background(), "feed.crawl", map[string]string{"sourceId": "s1"}))
}

func TestPushClonesPerRoute(t *testing.T) {
	r := NewRouter(nil)
	out := &recorder{}
	r.SetPushTransport(out)

	mutate := func(req *Request) error {
		req.Payload = json.RawMessage(`{"mutated":true}`)
		return nil
	}
	require.NoError(t, r.OnPush("feed.crawl", mutate, func(ctx context.Context, req *Request, push PushFunc) error {
		return nil
	}, Opts{}))
	require.NoError(t, r.OnPush("feed.crawl", nil, nil, Opts{NoWarning: true}))

	require.NoError(t, r.Push(context.Background(), "feed.crawl", map[string]string{"sourceId": "s1"}))
	reqs := out.requests(t)
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"sourceId":"s1"}`, string(reqs[0].Payload))
}

func TestDispatchRunsRoutesInParallel(t *testing.T) {
	r := NewRouter(nil)
	release := make(chan struct{})
	var (
		handled  atomic.Int32
		observed atomic.Int32
	)

	require.NoError(t, r.OnPull("feed.crawl", Validate[struct {
		SourceID string `json:"sourceId" validate:"required"`
	}](), func(ctx context.Context, req *Request) error {
		<-release
		handled.Add(1)
		return errors.New("handler failure is only logged")
	}, Opts{}))
	require.NoError(t, r.OnPull("feed.*", nil, func(ctx context.Context, req *Request) error {
		observed.Add(1)
		close(release)
		return nil
	}, Opts{Middleware: true}))

	done := make(chan error, 1)
	go func() {
		done <- r.Dispatch(context.Background(), &Request{Path: "feed.crawl", Payload: json.RawMessage(`{"sourceId":"s1"}`)})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked: routes did not run in parallel")
	}
	assert.EqualValues(t, 1, handled.Load())
	assert.EqualValues(t, 1, observed.Load())
}

func TestDispatchValidationFailureSkipsOnlyThatRoute(t *testing.T) {
	r := NewRouter(nil)
	var handled, observed atomic.Int32
	require.NoError(t, r.OnPull("article.searchTag", Validate[articleRef](), Handle(func(ctx context.Context, p *articleRef) error {
		handled.Add(1)
		return nil
	}), Opts{}))
	require.NoError(t, r.OnPull("article.*", nil, func(ctx context.Context, req *Request) error {
		observed.Add(1)
		return nil
	}, Opts{Middleware: true}))

	require.NoError(t, r.Dispatch(context.Background(), &Request{Path: "article.searchTag", Payload: json.RawMessage(`{}`)}))
	assert.Zero(t, handled.Load())
	assert.EqualValues(t, 1, observed.Load())

	err := r.Dispatch(context.Background(), &Request{Path: "article.unknown", Payload: json.RawMessage(`{}`)})
	var re *RoutingError
	assert.True(t, errors.As(err, &re))
}

func TestDispatchValidatesEveryRouteBeforeHandlers(t *testing.T) {
	r := NewRouter(nil)
	var (
		started atomic.Int32
		early   atomic.Int32
	)
	validator := func(req *Request) error {
		if started.Load() > 0 {
			early.Add(1)
		}
		return nil
	}
	handler := func(context.Context, *Request) error {
		started.Add(1)
		return nil
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, r.AddRoute(Route{Method: MethodPull, Path: "feed.crawl", Validator: validator, Handler: handler, Opts: Opts{NoWarning: true}}))
	}

	require.NoError(t, r.Dispatch(context.Background(), &Request{Path: "feed.crawl", Payload: json.RawMessage(`{"sourceId":"s1"}`)}))
	assert.EqualValues(t, 8, started.Load())
	assert.Zero(t, early.Load(), "a handler ran before every validator finished")
}

func TestUseMergesRoutes(t *testing.T) {
	sub := NewRouter(nil)
	require.NoError(t, sub.OnPush("feed.crawl", nil, nil, Opts{}))
	out := &recorder{}
	sub.SetPushTransport(out)

	root := NewRouter(nil)
	require.NoError(t, root.Use(sub))
	assert.Equal(t, []string{"push:feed.crawl"}, root.Routes())
	require.NoError(t, root.Push(context.Background(), "feed.crawl", map[string]string{"sourceId": "s1"}))
	assert.Len(t, out.requests(t), 1)
}

func TestListenDeliversThroughMemoryTransport(t *testing.T) {
	mem := NewMemoryTransport(8)
	pusher := NewRouter(nil)
	pusher.SetPushTransport(mem)
	require.NoError(t, pusher.OnPush("feed.crawl", nil, nil, Opts{}))

	got := make(chan string, 1)
	puller := NewRouter(nil)
	require.NoError(t, puller.OnPull("feed.crawl", nil, Handle(func(ctx context.Context, p *struct {
		SourceID string `json:"sourceId"`
	}) error {
		got <- p.SourceID
		return nil
	}), Opts{}))
	puller.Listen(mem)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mem.Start(ctx))
	defer mem.Close()

	require.NoError(t, pusher.Push(ctx, "feed.crawl", map[string]string{"sourceId": "s42"}))
	select {
	case id := <-got:
		assert.Equal(t, "s42", id)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryTransportHandlersCanFanOutPastBuffer(t *testing.T) {
	mem := NewMemoryTransport(1)
	r := NewRouter(nil)
	r.SetPushTransport(mem)
	require.NoError(t, r.OnPush("article.*", nil, nil, Opts{}))

	var children atomic.Int32
	require.NoError(t, r.OnPull("article.searchTag", nil, func(ctx context.Context, req *Request) error {
		for i := 0; i < 10; i++ {
			if err := r.Push(ctx, "article.searchTagSet", map[string]int{"chunk": i}); err != nil {
				return err
			}
		}
		return nil
	}, Opts{}))
	require.NoError(t, r.OnPull("article.searchTagSet", nil, func(context.Context, *Request) error {
		children.Add(1)
		return nil
	}, Opts{}))
	r.Listen(mem)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mem.Start(ctx))
	defer mem.Close()

	require.NoError(t, r.Push(ctx, "article.searchTag", map[string]string{"articleId": "a1"}))
	assert.Eventually(t, func() bool { return children.Load() == 10 }, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryTransportOutsideSendsBlockWhenFull(t *testing.T) {
	mem := NewMemoryTransport(1)
	require.NoError(t, mem.Send(context.Background(), []byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mem.Send(ctx, []byte("b")), context.DeadlineExceeded)

	require.NoError(t, mem.Close())
	assert.ErrorIs(t, mem.Send(context.Background(), []byte("c")), ErrClosed)
}
