package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Method is the direction a route handles.
type Method string

const (
	MethodPush Method = "push"
	MethodPull Method = "pull"
)

var validPath = regexp.MustCompile(`^[a-zA-Z0-9._*]+$`)

// Request is the event envelope that travels over transports.
type Request struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// Clone returns a deep copy so a validator can rewrite the payload without
// affecting sibling routes.
func (r *Request) Clone() *Request {
	return &Request{Path: r.Path, Payload: bytes.Clone(r.Payload)}
}

// Validator checks, and may normalize, a request before its handler runs.
type Validator func(req *Request) error

// Handler consumes a pulled request.
type Handler func(ctx context.Context, req *Request) error

// PushFunc hands a request to the outbound transport.
type PushFunc func(ctx context.Context, req *Request) error

// PushHandler decides what to send for a pushed request. A nil PushHandler
// on a non-middleware route sends the validated request unchanged.
type PushHandler func(ctx context.Context, req *Request, push PushFunc) error

// Opts tune a route.
type Opts struct {
	// Middleware routes observe matching paths but do not count as a
	// destination.
	Middleware bool
	// NoWarning silences the duplicate registration warning.
	NoWarning bool
}

// Route binds a path pattern to a validator and a handler.
type Route struct {
	Method      Method
	Path        string
	Validator   Validator
	Handler     Handler
	PushHandler PushHandler
	Opts        Opts

	pattern *regexp.Regexp
}

func (r *Route) matches(method Method, path string) bool {
	return r.Method == method && r.pattern.MatchString(path)
}

func checkPath(path string) error {
	if path == "" || !validPath.MatchString(path) {
		return fmt.Errorf("%q is not a valid path, only alphanumerics, dot, underscore and * are allowed", path)
	}
	return nil
}

// compilePath anchors a path pattern. Dots are literal and * matches any
// run of characters, so "article.*" matches "article.searchTag".
func compilePath(path string) (*regexp.Regexp, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	expr := strings.ReplaceAll(regexp.QuoteMeta(path), `\*`, ".*")
	return regexp.Compile("^" + expr + "$")
}
