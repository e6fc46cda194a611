// Package httpapi is the peripheral (non-core) status/metrics HTTP server:
// it exposes /health, /status, and a Prometheus /metrics endpoint over the
// live state of a running node, and never participates in mesh framing or
// chat delivery.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KD9YQK/ax25meshchat/internal/chatstore"
	"github.com/KD9YQK/ax25meshchat/internal/dedup"
	"github.com/KD9YQK/ax25meshchat/internal/meshmux"
	"github.com/KD9YQK/ax25meshchat/internal/meshnode"
)

// Server is the Echo application exposing node status.
type Server struct {
	echo   *echo.Echo
	node   *meshnode.Node
	mux    *meshmux.Multiplexer
	dedup  *dedup.Cache
	store  *chatstore.Store
	self   string
	logger *slog.Logger
}

// New constructs an Echo app wired to the given node's live state. store
// may be nil for a monitor-mode node that keeps no rows.
func New(self string, node *meshnode.Node, mux *meshmux.Multiplexer, dedupCache *dedup.Cache, store *chatstore.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	s := &Server{echo: e, node: node, mux: mux, dedup: dedupCache, store: store, self: self, logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(s))
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return s
}

// requestLogger logs each request via slog, quieting the polled
// health/metrics endpoints to debug level so they don't drown real traffic.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			switch req.URL.Path {
			case "/health", "/metrics":
				logger.Debug("http request", attrs...)
			default:
				logger.Info("http request", attrs...)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Run starts the server and blocks until ctx is canceled or startup fails.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down http api")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Self   string `json:"self"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Self: s.self})
}

type linkStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type statusResponse struct {
	Self         string           `json:"self"`
	Neighbors    int              `json:"neighbors"`
	Routes       int              `json:"routes"`
	Links        []linkStatus     `json:"links"`
	Channels     []string         `json:"channels,omitempty"`
	NodeMetrics  meshnode.Metrics `json:"node_metrics"`
	DedupEntries int              `json:"dedup_entries"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{
		Self:        s.self,
		Neighbors:   len(s.node.Routing().Neighbors()),
		Routes:      len(s.node.Routing().Routes()),
		NodeMetrics: s.node.Metrics(),
	}
	if s.dedup != nil {
		resp.DedupEntries = s.dedup.Len()
	}
	for _, l := range s.mux.Links() {
		resp.Links = append(resp.Links, linkStatus{Name: l.Name(), State: l.State().String()})
	}
	if s.store != nil {
		if channels, err := s.store.ListChannels(); err == nil {
			resp.Channels = channels
		}
	}
	return c.JSON(http.StatusOK, resp)
}
