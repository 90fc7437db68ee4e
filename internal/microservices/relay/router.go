package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"airelay/internal/protocol"
)

var (
	ErrNoConnections = errors.New("no xApp connections")
	ErrForwardFailed = errors.New("failed to forward control to any xApp")
)

// Uplink is the router's view of the AI engine connection
type Uplink interface {
	Send(frame []byte) error
	SendAndAwaitReply(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error)
}

// KPIQueue takes KPI reports off the hot path for persistence
type KPIQueue interface {
	Enqueue(report *protocol.KPIReport) bool
}

// Router decides what happens to every decoded message. Warnings that can
// repeat for every frame while a peer is absent are throttled.
type Router struct {
	registry     *ConnectionRegistry
	uplink       Uplink
	kpis         KPIQueue
	tracker      *ChangeTracker
	replyTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics

	uplinkDownLog rate.Sometimes
	noXAppLog     rate.Sometimes
}

type RouterOption func(*Router)

// WithKPIQueue persists KPI reports through q
func WithKPIQueue(q KPIQueue) RouterOption {
	return func(r *Router) { r.kpis = q }
}

// WithChangeTracker counts per-cell measurement changes
func WithChangeTracker(t *ChangeTracker) RouterOption {
	return func(r *Router) { r.tracker = t }
}

func NewRouter(registry *ConnectionRegistry, uplink Uplink, replyTimeout time.Duration, metrics *Metrics, opts ...RouterOption) *Router {
	if metrics == nil {
		metrics = NewMetrics()
	}
	r := &Router{
		registry:      registry,
		uplink:        uplink,
		replyTimeout:  replyTimeout,
		logger:        slog.Default(),
		metrics:       metrics,
		uplinkDownLog: rate.Sometimes{Interval: 10 * time.Second},
		noXAppLog:     rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleDownstream routes one frame body received from the xApp at addr
func (r *Router) HandleDownstream(ctx context.Context, origin Downstream, addr string, payload []byte) {
	r.metrics.FramesReceived.WithLabelValues("xapp").Inc()

	msg, err := protocol.Decode(payload)
	if err != nil {
		r.metrics.ProtocolErrors.WithLabelValues("xapp").Inc()
		r.logger.Warn("invalid_json_from_xapp",
			"addr", addr,
			"error", err.Error(),
			"raw", preview(payload),
		)
		return
	}
	r.metrics.MessagesRouted.WithLabelValues("xapp", string(msg.Kind())).Inc()

	switch m := msg.(type) {
	case *protocol.KPIReport:
		r.forwardKPI(addr, m)
	case *protocol.RecommendationRequest:
		r.proxyRecommendation(ctx, origin, addr, m)
	default:
		r.logger.Warn("unknown_message_type_from_xapp",
			"addr", addr,
			"message_type", string(msg.Kind()),
		)
	}
}

func (r *Router) forwardKPI(addr string, m *protocol.KPIReport) {
	if err := m.PayloadErr(); err != nil {
		r.logger.Debug("kpi_payload_not_persisted", "addr", addr, "error", err.Error())
	}
	if r.kpis != nil && m.KPI != nil {
		r.kpis.Enqueue(m)
	}
	if changed, seen := r.tracker.Observe(m); seen && changed > 0 {
		r.metrics.KPIMeasurementChanges.Add(float64(changed))
		r.logger.Debug("kpi_measurements_changed",
			"meid", m.MEID.String(),
			"cell_id", m.KPI.CellObjectID.String(),
			"changed", changed,
		)
	}

	err := r.uplink.Send(protocol.EncodeFrame(m.Raw()))
	switch {
	case err == nil:
		r.metrics.KPIForwarded.WithLabelValues("forwarded").Inc()
		r.logger.Debug("kpi_forwarded", "addr", addr, "meid", m.MEID.String())
	case errors.Is(err, ErrNotConnected):
		r.metrics.KPIForwarded.WithLabelValues("uplink_down").Inc()
		r.uplinkDownLog.Do(func() {
			r.logger.Warn("uplink_not_connected_dropping_kpi", "addr", addr)
		})
	default:
		r.metrics.KPIForwarded.WithLabelValues("failed").Inc()
		r.logger.Error("kpi_forward_failed", "addr", addr, "error", err.Error())
	}
}

// proxyRecommendation always answers origin exactly once: with the AI
// engine's reply, or with the no-action reply on any failure.
func (r *Router) proxyRecommendation(ctx context.Context, origin Downstream, addr string, m *protocol.RecommendationRequest) {
	reply, err := r.uplink.SendAndAwaitReply(ctx, protocol.EncodeFrame(m.Raw()), r.replyTimeout)

	outcome := "replied"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
		outcome = "uplink_down"
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	default:
		outcome = "failed"
	}
	r.metrics.RecommendationRequests.WithLabelValues(outcome).Inc()

	if err != nil {
		r.logger.Warn("recommendation_no_action",
			"addr", addr,
			"meid", m.MEID.String(),
			"reason", outcome,
			"error", err.Error(),
		)
		reply = protocol.NoActionReply
	}

	if err := origin.Send(protocol.EncodeFrame(reply)); err != nil {
		r.logger.Warn("recommendation_reply_failed",
			"addr", addr,
			"error", err.Error(),
		)
		return
	}
	r.logger.Debug("recommendation_replied", "addr", addr, "outcome", outcome)
}

// HandleUpstream routes one frame body received from the AI engine
func (r *Router) HandleUpstream(payload []byte) {
	r.metrics.FramesReceived.WithLabelValues("ai").Inc()

	msg, err := protocol.Decode(payload)
	if err != nil {
		r.metrics.ProtocolErrors.WithLabelValues("ai").Inc()
		r.logger.Warn("invalid_json_from_ai",
			"error", err.Error(),
			"raw", preview(payload),
		)
		return
	}
	r.metrics.MessagesRouted.WithLabelValues("ai", string(msg.Kind())).Inc()

	ctrl, ok := msg.(*protocol.Control)
	if !ok {
		r.logger.Warn("unknown_message_type_from_ai", "message_type", string(msg.Kind()))
		return
	}

	result := r.registry.Broadcast(protocol.EncodeFrame(ctrl.Raw()))
	if result.Total() == 0 {
		r.noXAppLog.Do(func() {
			r.logger.Warn("no_xapp_connections_dropping_control", "meid", ctrl.MEID.String())
		})
		return
	}
	r.logger.Info("control_forwarded",
		"meid", ctrl.MEID.String(),
		"delivered", len(result.Delivered),
		"failed", len(result.Failed),
	)
}

// Inject broadcasts an operator command as a control message. It fails
// with ErrNoConnections when nobody is registered and ErrForwardFailed when
// every send failed.
func (r *Router) Inject(meid string, cmd json.RawMessage) (BroadcastResult, error) {
	ctrl, err := protocol.NewControl(meid, cmd)
	if err != nil {
		return BroadcastResult{}, err
	}

	result := r.registry.Broadcast(protocol.EncodeFrame(ctrl.Raw()))
	switch {
	case result.Total() == 0:
		return result, ErrNoConnections
	case len(result.Delivered) == 0:
		return result, fmt.Errorf("%w (%d attempted)", ErrForwardFailed, len(result.Failed))
	}

	r.logger.Info("command_injected",
		"meid", meid,
		"delivered", len(result.Delivered),
		"failed", len(result.Failed),
	)
	return result, nil
}

func preview(payload []byte) string {
	const limit = 200
	if len(payload) > limit {
		return string(payload[:limit]) + "..."
	}
	return string(payload)
}
