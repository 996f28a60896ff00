package pubsub

import "fmt"

// ValidationError is returned when a route's validator rejects a request.
// Only that route's delivery is aborted.
type ValidationError struct {
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload for %s: %v", e.Path, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RoutingError reports a publish or delivery that cannot be routed: a
// malformed path, a missing transport or no non-middleware route.
type RoutingError struct {
	Method Method
	Path   string
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("cannot route %s:%s: %s", e.Method, e.Path, e.Reason)
}
