package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"airelay/internal/config"
	"airelay/internal/storage"
)

type ServerConfig struct {
	XAppAddr           string
	CommandAddr        string
	WriteTimeout       time.Duration
	CommandReadTimeout time.Duration
	ReplyTimeout       time.Duration
	Uplink             UplinkConfig
}

func ServerConfigFrom(cfg *config.Config) ServerConfig {
	return ServerConfig{
		XAppAddr:           cfg.XAppAddr(),
		CommandAddr:        cfg.CommandAddr(),
		WriteTimeout:       cfg.WriteTimeout,
		CommandReadTimeout: cfg.CommandReadTimeout,
		ReplyTimeout:       cfg.ReplyTimeout,
		Uplink: UplinkConfig{
			Addr:         cfg.UplinkAddr(),
			Backoff:      cfg.ReconnectBackoff,
			DialTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Status is a point-in-time view for the admin endpoints
type Status struct {
	Uplink          string   `json:"uplink"`
	XAppConnections []string `json:"xapp_connections"`
	KPIDropped      uint64   `json:"kpi_dropped"`
}

// Server wires the xApp listener, the command listener, the uplink
// supervisor and the KPI queue together and owns their lifecycle.
type Server struct {
	cfg ServerConfig

	Metrics  *Metrics
	Registry *ConnectionRegistry
	Uplink   *UplinkManager
	Router   *Router
	Commands *CommandInterface

	queue  *storage.Queue
	logger *slog.Logger

	xappListener net.Listener
	cmdListener  net.Listener

	cancel   context.CancelFunc
	quitChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type ServerOption func(*serverOptions)

type serverOptions struct {
	queue   *storage.Queue
	tracker *ChangeTracker
	metrics *Metrics
}

// WithQueue persists KPI reports through q; the server runs and closes it
func WithQueue(q *storage.Queue) ServerOption {
	return func(o *serverOptions) { o.queue = q }
}

func WithTracker(t *ChangeTracker) ServerOption {
	return func(o *serverOptions) { o.tracker = t }
}

func WithMetrics(m *Metrics) ServerOption {
	return func(o *serverOptions) { o.metrics = m }
}

func NewServer(cfg ServerConfig, opts ...ServerOption) *Server {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}

	registry := NewConnectionRegistry(o.metrics)
	uplink := NewUplinkManager(cfg.Uplink, o.metrics)

	routerOpts := []RouterOption{WithChangeTracker(o.tracker)}
	if o.queue != nil {
		routerOpts = append(routerOpts, WithKPIQueue(o.queue))
		o.queue.OnSinkError = func(sink string, err error) {
			o.metrics.KPISinkErrors.WithLabelValues(sink).Inc()
		}
	}
	router := NewRouter(registry, uplink, cfg.ReplyTimeout, o.metrics, routerOpts...)
	uplink.SetHandler(router.HandleUpstream)

	return &Server{
		cfg:      cfg,
		Metrics:  o.metrics,
		Registry: registry,
		Uplink:   uplink,
		Router:   router,
		Commands: NewCommandInterface(router, cfg.CommandReadTimeout, cfg.WriteTimeout, o.metrics),
		queue:    o.queue,
		logger:   slog.Default(),
		quitChan: make(chan struct{}),
	}
}

// Listen binds both listeners. A failure here is fatal for the process.
func (s *Server) Listen() error {
	xl, err := net.Listen("tcp", s.cfg.XAppAddr)
	if err != nil {
		return fmt.Errorf("failed to bind xApp listener on %s: %w", s.cfg.XAppAddr, err)
	}
	cl, err := net.Listen("tcp", s.cfg.CommandAddr)
	if err != nil {
		xl.Close()
		return fmt.Errorf("failed to bind command listener on %s: %w", s.cfg.CommandAddr, err)
	}
	s.xappListener = xl
	s.cmdListener = cl
	return nil
}

// XAppAddr is the bound xApp listener address, useful with port 0
func (s *Server) XAppAddr() net.Addr {
	return s.xappListener.Addr()
}

func (s *Server) CommandAddr() net.Addr {
	return s.cmdListener.Addr()
}

// Start binds (unless Listen was already called) and launches every
// background loop. It does not block.
func (s *Server) Start(ctx context.Context) error {
	if s.xappListener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("relay_started",
		"xapp_addr", s.xappListener.Addr().String(),
		"command_addr", s.cmdListener.Addr().String(),
		"uplink_addr", s.cfg.Uplink.Addr,
	)

	s.goFunc(func() { s.Uplink.Run(ctx) })
	if s.queue != nil {
		s.goFunc(func() { s.queue.Run(ctx) })
	}
	s.goFunc(func() { s.acceptLoop(s.xappListener, "xapp", func(conn net.Conn) { s.handleXApp(ctx, conn) }) })
	s.goFunc(func() { s.acceptLoop(s.cmdListener, "command", s.Commands.Handle) })
	return nil
}

func (s *Server) goFunc(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Server) acceptLoop(listener net.Listener, name string, handle func(net.Conn)) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quitChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("failed_to_accept_connection",
				"listener", name,
				"error", err.Error(),
			)
			continue
		}
		s.goFunc(func() { handle(conn) })
	}
}

// handleXApp is the lifecycle of one xApp connection. The registry entry is
// removed before the socket is closed.
func (s *Server) handleXApp(ctx context.Context, conn net.Conn) {
	xc := NewXAppConnection(conn, s.Router, s.cfg.WriteTimeout)
	s.Registry.Register(xc.Addr, xc)

	// accepted while Stop was running: CloseAll may already have passed
	select {
	case <-s.quitChan:
		s.Registry.Remove(xc.Addr, xc)
		xc.Close()
		return
	default:
	}

	xc.Listen(ctx)
	s.Registry.Remove(xc.Addr, xc)
	xc.Close()
}

func (s *Server) Status() Status {
	st := Status{
		Uplink:          s.Uplink.State().String(),
		XAppConnections: s.Registry.Addresses(),
	}
	if s.queue != nil {
		st.KPIDropped = s.queue.Dropped()
	}
	return st
}

// Stop closes listeners and connections, waits for every goroutine and
// flushes the KPI sinks. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.quitChan)
		if s.cancel != nil {
			s.cancel()
		}
		if s.xappListener != nil {
			s.xappListener.Close()
		}
		if s.cmdListener != nil {
			s.cmdListener.Close()
		}
		s.Registry.CloseAll()
		s.Uplink.Close()
		s.wg.Wait()

		if s.queue != nil {
			err = s.queue.Close()
		}
		s.logger.Info("relay_stopped")
	})
	return err
}
