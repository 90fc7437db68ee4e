package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"airelay/internal/microservices/relay"
)

// StatusProvider is the relay as seen by the admin endpoints
type StatusProvider interface {
	Status() relay.Status
}

// Server is the operator-facing HTTP side: health, live connections and
// prometheus metrics. It carries no relay traffic.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(addr string, status StatusProvider, gatherer prometheus.Gatherer) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(status, gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// NewRouter builds the gin engine; exposed for httptest
func NewRouter(status StatusProvider, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	h := &handler{status: status}
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
	r.GET("/connections", h.connections)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return r
}

// Listen binds the admin port so a busy port is reported at startup
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks until Shutdown
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	slog.Info("admin_server_started", "addr", s.listener.Addr().String())
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type handler struct {
	status StatusProvider
}

// health answers as long as the process is serving; the uplink state is
// informational
func (h *handler) health(c *gin.Context) {
	st := h.status.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"uplink":           st.Uplink,
		"xapp_connections": len(st.XAppConnections),
	})
}

// ready is 503 until the AI engine is reachable
func (h *handler) ready(c *gin.Context) {
	st := h.status.Status()
	if st.Uplink != relay.StateConnected.String() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "uplink_unavailable",
			"uplink": st.Uplink,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "uplink": st.Uplink})
}

func (h *handler) connections(c *gin.Context) {
	st := h.status.Status()
	conns := st.XAppConnections
	if conns == nil {
		conns = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":       len(conns),
		"connections": conns,
		"kpi_dropped": st.KPIDropped,
	})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("admin_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
