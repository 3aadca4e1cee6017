// Package api exposes the replay service over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ladderlegends/internal/analysis"
	"ladderlegends/internal/auth"
	"ladderlegends/internal/index"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/matcher"
	"ladderlegends/internal/replay"
	"ladderlegends/internal/series"
)

// Replays is the upload and record surface.
type Replays interface {
	Upload(ctx context.Context, in analysis.Upload) (*analysis.Result, error)
	Get(ctx context.Context, userID, replayID string) (*replay.UserReplayData, error)
	Delete(ctx context.Context, userID, replayID string) error
	Match(signature, matchup string) *matcher.BuildMatchResult
}

// Indexes serves the per-user index.
type Indexes interface {
	Fetch(ctx context.Context, userID string, opts index.FetchOptions) (index.FetchResult, error)
}

// Series serves aggregated trends.
type Series interface {
	Series(ctx context.Context, userID string, period series.Period, f series.Filters) (series.TimeSeries, error)
}

type Deps struct {
	Replays  Replays
	Indexes  Indexes
	Series   Series
	Catalog  *matcher.Catalog
	Verifier *auth.Verifier
	Events   *Hub
}

type Options struct {
	Logger         *slog.Logger
	Gatherer       prometheus.Gatherer
	MaxUploadBytes int64
	AllowOrigins   []string
	Release        bool
}

type Server struct {
	deps     Deps
	engine   *gin.Engine
	logger   *slog.Logger
	maxBytes int64
}

func New(deps Deps, opts Options) *Server {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logging.Component(opts.Logger, "api")
	s := &Server{
		deps:     deps,
		engine:   gin.New(),
		logger:   logger,
		maxBytes: opts.MaxUploadBytes,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = 10 << 20
	}

	r := s.engine
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger, "/health", "/metrics"))
	r.Use(cors.New(corsConfig(opts.AllowOrigins)))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/health", "/api/my-replays/events"})))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	builds := r.Group("/api/builds")
	builds.GET("", s.listBuilds)
	builds.POST("/match", s.matchBuild)

	// browsers cannot set headers on websocket handshakes
	r.GET("/api/my-replays/events", queryToken(), deps.Verifier.Middleware(), s.events)

	my := r.Group("/api/my-replays", deps.Verifier.Middleware())
	my.GET("/index", s.getIndex)
	my.POST("/index", s.rebuildIndex)
	my.GET("/series", s.getSeries)
	my.POST("", s.upload)
	my.GET("/:id", s.getReplay)
	my.DELETE("/:id", s.deleteReplay)

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// HTTPServer wraps the handler with the timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	cfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	cfg.MaxAge = 12 * time.Hour
	return cfg
}

// queryToken copies a ?token= parameter into the Authorization header when
// the header is absent.
func queryToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			if token := c.Query("token"); token != "" {
				c.Request.Header.Set("Authorization", "Bearer "+token)
			}
		}
		c.Next()
	}
}
