package dummyengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"airelay/internal/microservices/relay"
	"airelay/internal/protocol"
)

// Server is a stand-in AI engine for local runs and tests. It logs every
// frame and answers each recommendation request with the no-action reply.
type Server struct {
	Addr     string
	listener net.Listener
	peers    *relay.ConnectionRegistry
	logger   *slog.Logger

	quitChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(addr string) *Server {
	return &Server{
		Addr:     addr,
		peers:    relay.NewConnectionRegistry(nil),
		logger:   slog.Default().With("component", "ai_dummy"),
		quitChan: make(chan struct{}),
	}
}

// Start binds and accepts in the background
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to start dummy AI engine: %w", err)
	}
	s.listener = l
	s.logger.Info("ai_dummy_listening", "addr", l.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

func (s *Server) ListenAddr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quitChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("failed_to_accept_connection", "error", err.Error())
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// peer is one connected relay
type peer struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (p *peer) Send(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := p.conn.Write(frame)
	return err
}

func (p *peer) Close() error {
	return p.conn.Close()
}

func (s *Server) handle(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	p := &peer{conn: conn}
	s.peers.Register(addr, p)
	defer func() {
		s.peers.Remove(addr, p)
		conn.Close()
	}()

	for {
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrEndOfStream):
				s.logger.Info("relay_disconnected", "addr", addr)
			case errors.Is(err, protocol.ErrInvalidFrame):
				s.logger.Warn("invalid_frame_closing", "addr", addr, "error", err.Error())
			default:
				s.logger.Debug("relay_read_stopped", "addr", addr, "error", err.Error())
			}
			return
		}
		s.logger.Info("frame_received", "addr", addr, "body", string(payload))

		msg, err := protocol.Decode(payload)
		if err != nil {
			continue
		}
		if msg.Kind() == protocol.KindRecommendationRequest {
			if err := p.Send(protocol.EncodeFrame(protocol.NoActionReply)); err != nil {
				s.logger.Warn("reply_failed", "addr", addr, "error", err.Error())
				return
			}
		}
	}
}

// Broadcast pushes a control frame to every connected relay
func (s *Server) Broadcast(meid string, cmd json.RawMessage) (relay.BroadcastResult, error) {
	ctrl, err := protocol.NewControl(meid, cmd)
	if err != nil {
		return relay.BroadcastResult{}, err
	}
	return s.peers.Broadcast(protocol.EncodeFrame(ctrl.Raw())), nil
}

// Connections is the number of relays currently attached
func (s *Server) Connections() int {
	return s.peers.Len()
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quitChan)
		if s.listener != nil {
			s.listener.Close()
		}
		s.peers.CloseAll()
		s.wg.Wait()
		s.logger.Info("ai_dummy_stopped")
	})
}
