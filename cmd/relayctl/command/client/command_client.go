package client

// command_client.go = talks to the relay's command interface: one JSON
// request and one JSON response per connection.

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// maxResponseSize bounds how much of the reply is read
const maxResponseSize = 64 * 1024

// Request is the command interface request body
type Request struct {
	MEID string `json:"meid"`
	Cmd  any    `json:"cmd"`
}

// Response is the command interface reply
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (r Response) OK() bool {
	return r.Status == "ok"
}

// CommandClient sends operator commands to a running relay
type CommandClient struct {
	addr    string
	timeout time.Duration
}

func NewCommandClient(addr string, timeout time.Duration) *CommandClient {
	return &CommandClient{addr: addr, timeout: timeout}
}

// Send marshals req, writes it, half-closes the write side and reads the
// single reply
func (c *CommandClient) Send(req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return c.SendRaw(body)
}

// SendRaw writes body as-is; used for pre-built JSON
func (c *CommandClient) SendRaw(body []byte) (*Response, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connection to %s failed, is the relay running? %w", c.addr, err)
	}
	defer conn.Close()

	if c.timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if _, err := conn.Write(body); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}

	raw, err := io.ReadAll(io.LimitReader(conn, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unexpected response %q: %w", raw, err)
	}
	return &resp, nil
}
