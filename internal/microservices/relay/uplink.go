package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"airelay/internal/protocol"
)

// State of the uplink to the AI engine
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	ErrNotConnected = errors.New("uplink not connected")
	ErrSendFailed   = errors.New("uplink send failed")
	ErrTimeout      = errors.New("timed out waiting for uplink reply")
)

type UplinkConfig struct {
	Addr         string
	Backoff      time.Duration // fixed delay after a failed dial
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// uplinkSession is one established connection. lost is closed exactly once
// when the session is invalidated, whichever side notices first.
type uplinkSession struct {
	conn net.Conn
	lost chan struct{}
	once sync.Once
}

func (s *uplinkSession) invalidate() bool {
	first := false
	s.once.Do(func() {
		first = true
		s.conn.Close()
		close(s.lost)
	})
	return first
}

type pendingReply struct {
	sess *uplinkSession
	ch   chan []byte
}

// UplinkManager owns the single connection to the AI engine. A supervisor
// loop (Run) keeps it connected with a fixed backoff, a reader goroutine
// per session dispatches inbound frames, and any goroutine may Send.
type UplinkManager struct {
	cfg     UplinkConfig
	dial    dialFunc
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	state   State
	session *uplinkSession
	handler func(payload []byte)

	sendMu sync.Mutex // one frame on the wire at a time
	reqMu  sync.Mutex // one outstanding request/reply exchange

	replyMu sync.Mutex
	pending *pendingReply

	connectFailLog rate.Sometimes
}

func NewUplinkManager(cfg UplinkConfig, metrics *Metrics) *UplinkManager {
	if metrics == nil {
		metrics = NewMetrics()
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	return &UplinkManager{
		cfg:     cfg,
		dial:    dialer.DialContext,
		logger:  slog.Default(),
		metrics: metrics,
		state:   StateDisconnected,

		connectFailLog: rate.Sometimes{Interval: time.Minute},
	}
}

// SetHandler installs the callback for inbound frames that are not a
// pending reply. It runs on the reader goroutine.
func (m *UplinkManager) SetHandler(fn func(payload []byte)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

func (m *UplinkManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *UplinkManager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.metrics.UplinkState.Set(float64(s))
}

func (m *UplinkManager) current() *uplinkSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.session
}

// Run supervises the uplink until ctx is cancelled. A failed dial waits the
// backoff before the next attempt; a lost session is redialled at once.
func (m *UplinkManager) Run(ctx context.Context) {
	defer m.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		m.metrics.UplinkConnectAttempts.Inc()
		m.logger.Info("uplink_connecting", "addr", m.cfg.Addr)

		conn, err := m.dial(ctx, "tcp", m.cfg.Addr)
		if err != nil {
			m.setState(StateDisconnected)
			m.metrics.UplinkConnectFailures.Inc()
			if ctx.Err() != nil {
				return
			}
			logged := false
			m.connectFailLog.Do(func() {
				logged = true
				m.logger.Warn("uplink_connect_failed",
					"addr", m.cfg.Addr,
					"error", err.Error(),
					"retry_in", m.cfg.Backoff.String(),
				)
			})
			if !logged {
				m.logger.Debug("uplink_connect_failed", "addr", m.cfg.Addr, "error", err.Error())
			}
			if !sleepCtx(ctx, m.cfg.Backoff) {
				return
			}
			continue
		}

		sess := &uplinkSession{conn: conn, lost: make(chan struct{})}
		m.mu.Lock()
		m.session = sess
		m.state = StateConnected
		m.mu.Unlock()
		m.metrics.UplinkState.Set(float64(StateConnected))
		m.logger.Info("uplink_connected",
			"addr", m.cfg.Addr,
			"local_addr", conn.LocalAddr().String(),
		)

		go m.readLoop(sess)

		select {
		case <-ctx.Done():
			return
		case <-sess.lost:
			m.logger.Warn("uplink_lost_reconnecting", "addr", m.cfg.Addr)
		}
	}
}

// Close tears down the current session, if any
func (m *UplinkManager) Close() {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess != nil {
		m.drop(sess, nil)
	}
	m.setState(StateDisconnected)
}

// drop invalidates sess once; later calls for the same session are no-ops
// and a stale session never clobbers a newer one.
func (m *UplinkManager) drop(sess *uplinkSession, cause error) {
	if !sess.invalidate() {
		return
	}
	m.mu.Lock()
	if m.session == sess {
		m.session = nil
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	m.metrics.UplinkState.Set(float64(m.State()))
	m.metrics.UplinkSessionsLost.Inc()

	if cause != nil && !errors.Is(cause, protocol.ErrEndOfStream) && !isClosedConnErr(cause) {
		m.logger.Warn("uplink_invalidated", "addr", m.cfg.Addr, "error", cause.Error())
		return
	}
	m.logger.Info("uplink_closed", "addr", m.cfg.Addr)
}

func (m *UplinkManager) readLoop(sess *uplinkSession) {
	for {
		payload, err := protocol.ReadFrame(sess.conn)
		if err != nil {
			m.drop(sess, err)
			return
		}
		if m.deliverReply(sess, payload) {
			continue
		}
		m.dispatch(payload)
	}
}

func (m *UplinkManager) dispatch(payload []byte) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

// deliverReply hands payload to a waiting SendAndAwaitReply on the same
// session. While a request is outstanding the next inbound frame is its reply.
func (m *UplinkManager) deliverReply(sess *uplinkSession, payload []byte) bool {
	m.replyMu.Lock()
	p := m.pending
	if p == nil || p.sess != sess {
		m.replyMu.Unlock()
		return false
	}
	m.pending = nil
	p.ch <- payload // buffered, never blocks
	m.replyMu.Unlock()
	return true
}

func (m *UplinkManager) clearPending(ch chan []byte) {
	m.replyMu.Lock()
	if m.pending != nil && m.pending.ch == ch {
		m.pending = nil
	}
	m.replyMu.Unlock()
}

// abandon withdraws a pending exchange. A reply the reader handed over
// before the withdrawal goes to the normal handler.
func (m *UplinkManager) abandon(ch chan []byte) {
	m.clearPending(ch)
	select {
	case reply := <-ch:
		m.dispatch(reply)
	default:
	}
}

// Send writes an encoded frame to the AI engine. It fails fast with
// ErrNotConnected when no session is up; a write error invalidates the
// session and returns ErrSendFailed.
func (m *UplinkManager) Send(frame []byte) error {
	sess := m.current()
	if sess == nil {
		return ErrNotConnected
	}
	return m.sendOn(sess, frame)
}

func (m *UplinkManager) sendOn(sess *uplinkSession, frame []byte) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if m.cfg.WriteTimeout > 0 {
		sess.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	if _, err := sess.conn.Write(frame); err != nil {
		m.drop(sess, err)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// SendAndAwaitReply sends frame and waits up to timeout for the next frame
// the AI engine sends back. Exchanges are serialized. A reply arriving after
// the timeout is dispatched like any other inbound frame.
func (m *UplinkManager) SendAndAwaitReply(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	sess := m.current()
	if sess == nil {
		return nil, ErrNotConnected
	}

	ch := make(chan []byte, 1)
	m.replyMu.Lock()
	m.pending = &pendingReply{sess: sess, ch: ch}
	m.replyMu.Unlock()
	defer m.clearPending(ch)

	if err := m.sendOn(sess, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-sess.lost:
		select {
		case reply := <-ch:
			return reply, nil
		default:
		}
		return nil, fmt.Errorf("%w: session lost awaiting reply", ErrNotConnected)
	case <-timer.C:
		m.abandon(ch)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.abandon(ch)
		return nil, ctx.Err()
	}
}

// sleepCtx waits d or until ctx is done; false means ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
