package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"airelay/internal/protocol"
)

// MaxCommandSize caps a single command request
const MaxCommandSize = 64 * 1024

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// CommandRequest is what operators send on the command port
type CommandRequest struct {
	MEID protocol.FlexString `json:"meid"`
	Cmd  json.RawMessage     `json:"cmd"`
}

type CommandResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Injector turns an operator command into a control broadcast
type Injector interface {
	Inject(meid string, cmd json.RawMessage) (BroadcastResult, error)
}

// CommandInterface serves one plain JSON request and one plain JSON response
// per connection, then closes it. There is no framing on this port.
type CommandInterface struct {
	injector     Injector
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics
}

func NewCommandInterface(injector Injector, readTimeout, writeTimeout time.Duration, metrics *Metrics) *CommandInterface {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &CommandInterface{
		injector:     injector,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		logger:       slog.Default(),
		metrics:      metrics,
	}
}

func (ci *CommandInterface) Handle(conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()

	if ci.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(ci.readTimeout))
	}

	var raw json.RawMessage
	dec := json.NewDecoder(io.LimitReader(conn, MaxCommandSize))
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			ci.logger.Debug("command_connection_empty", "addr", addr)
			return
		}
		ci.respond(conn, addr, errorResponse("Invalid JSON: "+decodeErrorDetail(err)))
		return
	}

	ci.respond(conn, addr, ci.Process(raw))
}

// Process validates one request body and injects it
func (ci *CommandInterface) Process(raw []byte) CommandResponse {
	var req CommandRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse("Invalid JSON: " + err.Error())
	}

	// a numeric meid, 0 included, is taken as its decimal text
	meid := req.MEID.String()
	cmd := bytes.TrimSpace(req.Cmd)
	if meid == "" || len(cmd) == 0 || bytes.Equal(cmd, []byte("null")) {
		return errorResponse("Missing 'meid' or 'cmd' field")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(cmd, &fields); err != nil {
		return errorResponse("Field 'cmd' must be a JSON object")
	}
	if len(fields) == 0 {
		return errorResponse("Missing 'meid' or 'cmd' field")
	}

	result, err := ci.injector.Inject(meid, cmd)
	switch {
	case errors.Is(err, ErrNoConnections):
		return errorResponse("No xApp connections available")
	case err != nil:
		ci.logger.Warn("command_forward_failed",
			"meid", meid,
			"failed", len(result.Failed),
			"error", err.Error(),
		)
		return errorResponse("Failed to forward command to xApp")
	}
	return CommandResponse{
		Status:  StatusOK,
		Message: fmt.Sprintf("Command forwarded to xApp for MEID %s", meid),
	}
}

func (ci *CommandInterface) respond(conn net.Conn, addr string, resp CommandResponse) {
	ci.metrics.CommandRequests.WithLabelValues(resp.Status).Inc()
	ci.logger.Info("command_handled",
		"addr", addr,
		"status", resp.Status,
		"message", resp.Message,
	)

	body, err := json.Marshal(resp)
	if err != nil {
		ci.logger.Error("failed_to_marshal_command_response", "error", err.Error())
		return
	}
	if ci.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(ci.writeTimeout))
	}
	if _, err := conn.Write(body); err != nil {
		ci.logger.Warn("command_response_failed", "addr", addr, "error", err.Error())
	}
}

func errorResponse(msg string) CommandResponse {
	return CommandResponse{Status: StatusError, Message: msg}
}

// decodeErrorDetail keeps timeouts and truncated bodies readable
func decodeErrorDetail(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "request incomplete before read deadline"
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return "unexpected end of JSON input"
	}
	return err.Error()
}
