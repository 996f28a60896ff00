package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router dispatches events to every route matching their path. Pushed events
// leave through the outbound transport, pulled events arrive through Listen
// or Dispatch.
type Router struct {
	mu     sync.RWMutex
	routes []*Route
	paths  map[string]bool
	out    Transport
	log    *zap.Logger
}

// NewRouter returns an empty router.
func NewRouter(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{paths: make(map[string]bool), log: log}
}

// SetPushTransport sets the transport pushed events are sent on.
func (r *Router) SetPushTransport(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = t
}

// AddRoute validates and registers a route. Registering the same method and
// path twice is allowed; both routes receive matching events.
func (r *Router) AddRoute(route Route) error {
	switch route.Method {
	case MethodPush, MethodPull:
	default:
		return fmt.Errorf("invalid method %q", route.Method)
	}
	pattern, err := compilePath(route.Path)
	if err != nil {
		return err
	}
	if route.Method == MethodPull && route.Handler == nil {
		return fmt.Errorf("pull route %s has no handler", route.Path)
	}
	route.pattern = pattern

	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(route.Method) + ":" + route.Path
	if r.paths[key] && !route.Opts.NoWarning {
		r.log.Warn("path already registered", zap.String("route", key))
	}
	r.paths[key] = true
	r.routes = append(r.routes, &route)
	return nil
}

// OnPull registers a pull route.
func (r *Router) OnPull(path string, v Validator, h Handler, opts Opts) error {
	return r.AddRoute(Route{Method: MethodPull, Path: path, Validator: v, Handler: h, Opts: opts})
}

// OnPush registers a push route. A nil handler sends the request as is.
func (r *Router) OnPush(path string, v Validator, h PushHandler, opts Opts) error {
	return r.AddRoute(Route{Method: MethodPush, Path: path, Validator: v, PushHandler: h, Opts: opts})
}

// Use copies every route of other into r.
func (r *Router) Use(other *Router) error {
	other.mu.RLock()
	routes := make([]Route, len(other.routes))
	for i, route := range other.routes {
		routes[i] = *route
	}
	out := other.out
	other.mu.RUnlock()

	for _, route := range routes {
		if err := r.AddRoute(route); err != nil {
			return err
		}
	}
	if out != nil {
		r.mu.Lock()
		if r.out == nil {
			r.out = out
		}
		r.mu.Unlock()
	}
	return nil
}

// Routes returns the registered method:path keys.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.routes))
	for i, route := range r.routes {
		out[i] = string(route.Method) + ":" + route.Path
	}
	return out
}

// match returns the matching routes, failing when none of them is a
// destination.
func (r *Router) match(method Method, path string) ([]*Route, error) {
	if err := checkPath(path); err != nil {
		return nil, &RoutingError{Method: method, Path: path, Reason: err.Error()}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		matched []*Route
		main    int
	)
	for _, route := range r.routes {
		if route.matches(method, path) {
			matched = append(matched, route)
			if !route.Opts.Middleware {
				main++
			}
		}
	}
	if main == 0 {
		return nil, &RoutingError{Method: method, Path: path, Reason: "no route registered"}
	}
	return matched, nil
}

// Push validates payload against every matching push route and hands the
// result to the outbound transport. Routing failures are returned before
// anything is sent. Validation failures skip their route and are returned
// after the remaining routes ran. Handler failures are only logged.
func (r *Router) Push(ctx context.Context, path string, payload any) error {
	r.mu.RLock()
	out := r.out
	r.mu.RUnlock()
	if err := checkPath(path); err != nil {
		return &RoutingError{Method: MethodPush, Path: path, Reason: err.Error()}
	}
	if out == nil {
		return &RoutingError{Method: MethodPush, Path: path, Reason: "no push transport"}
	}

	routes, err := r.match(MethodPush, path)
	if err != nil {
		return err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return &ValidationError{Path: path, Err: err}
	}
	req := &Request{Path: path, Payload: raw}

	type delivery struct {
		route *Route
		req   *Request
	}
	var (
		deliveries []delivery
		invalid    []error
	)
	for _, route := range routes {
		reqObj := req.Clone()
		if route.Validator != nil {
			if err := route.Validator(reqObj); err != nil {
				invalid = append(invalid, &ValidationError{Path: path, Err: err})
				continue
			}
		}
		deliveries = append(deliveries, delivery{route: route, req: reqObj})
	}

	send := func(ctx context.Context, req *Request) error {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		if err := out.Send(ctx, data); err != nil {
			return err
		}
		r.log.Debug("pushed", zap.String("path", req.Path))
		return nil
	}

	var wg sync.WaitGroup
	for _, d := range deliveries {
		handler := d.route.PushHandler
		if handler == nil {
			if d.route.Opts.Middleware {
				continue
			}
			handler = func(ctx context.Context, req *Request, push PushFunc) error {
				return push(ctx, req)
			}
		}
		wg.Add(1)
		go func(route *Route, req *Request, handler PushHandler) {
			defer wg.Done()
			if err := r.safely(func() error { return handler(ctx, req, send) }); err != nil {
				r.log.Error("push handler failed",
					zap.String("route", route.Path),
					zap.String("path", req.Path),
					zap.Error(err))
			}
		}(d.route, d.req, handler)
	}
	wg.Wait()

	return errors.Join(invalid...)
}

// Dispatch delivers a pulled request to every matching pull route. Each
// route gets its own copy of the request, validated before any handler
// runs. Handlers run in parallel; validation and handler failures are
// logged and do not affect siblings. Only a routing failure is returned.
func (r *Router) Dispatch(ctx context.Context, req *Request) error {
	routes, err := r.match(MethodPull, req.Path)
	if err != nil {
		return err
	}

	type delivery struct {
		route *Route
		req   *Request
	}
	deliveries := make([]delivery, 0, len(routes))
	for _, route := range routes {
		reqObj := req.Clone()
		if route.Validator != nil {
			if err := route.Validator(reqObj); err != nil {
				r.log.Error("pull validation failed",
					zap.String("route", route.Path),
					zap.Error(&ValidationError{Path: reqObj.Path, Err: err}))
				continue
			}
		}
		deliveries = append(deliveries, delivery{route: route, req: reqObj})
	}

	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		go func(route *Route, reqObj *Request) {
			defer wg.Done()
			if err := r.safely(func() error { return route.Handler(ctx, reqObj) }); err != nil {
				r.log.Error("pull handler failed",
					zap.String("route", route.Path),
					zap.String("path", reqObj.Path),
					zap.Error(err))
			}
		}(d.route, d.req)
	}
	wg.Wait()
	return nil
}

// Listen feeds every message received on t into Dispatch.
func (r *Router) Listen(t Transport) {
	t.OnReceive(func(ctx context.Context, msg []byte) {
		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			r.log.Error("dropping malformed message", zap.Error(err))
			return
		}
		r.log.Debug("pulled", zap.String("path", req.Path))
		if err := r.Dispatch(ctx, &req); err != nil {
			r.log.Error("dropping unroutable message", zap.Error(err))
		}
	})
}

// safely converts a handler panic into an error.
func (r *Router) safely(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return fn()
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
