package api

import (
	"context"

	"marketwire/logger"
	"marketwire/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Publisher pushes events to subscribers.
type Publisher interface {
	Push(ctx context.Context, path string, payload any) error
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Store  storage.Repository
	Events Publisher
	// Pinger is checked by the health endpoint when set.
	Pinger Pinger
	// Gatherer backs /metrics, defaulting to the global registry.
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

type server struct {
	store  storage.Repository
	events Publisher
	pinger Pinger
	log    *zap.Logger
}

// NewRouter constructs a Gin engine with registered routes.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	// Minimal middleware: recovery; logger optional to reduce verbosity
	r.Use(gin.Recovery())

	s := &server{store: deps.Store, events: deps.Events, pinger: deps.Pinger, log: logger.OrNop(deps.Log)}

	// Register resource routers
	RegisterHealthRoutes(r, s)
	RegisterSourceRoutes(r, s)
	RegisterArticleRoutes(r, s)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return r
}
