package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"airelay/internal/protocol"
)

// ServerIntegrationTestSuite runs a full relay on loopback against a fake
// AI engine
type ServerIntegrationTestSuite struct {
	suite.Suite
	engine *fakeEngine
	server *Server
	ai     net.Conn
}

func (s *ServerIntegrationTestSuite) SetupTest() {
	s.engine = newFakeEngine(s.T())
	s.server = NewServer(ServerConfig{
		XAppAddr:           "127.0.0.1:0",
		CommandAddr:        "127.0.0.1:0",
		WriteTimeout:       time.Second,
		CommandReadTimeout: time.Second,
		ReplyTimeout:       500 * time.Millisecond,
		Uplink: UplinkConfig{
			Addr:         s.engine.Addr(),
			Backoff:      50 * time.Millisecond,
			DialTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
	})
	s.Require().NoError(s.server.Start(context.Background()))

	s.ai = s.engine.accept(s.T())
	waitState(s.T(), s.server.Uplink, StateConnected)
}

func (s *ServerIntegrationTestSuite) TearDownTest() {
	s.NoError(s.server.Stop())
}

func (s *ServerIntegrationTestSuite) dialXApp() net.Conn {
	conn, err := net.Dial("tcp", s.server.XAppAddr().String())
	s.Require().NoError(err)
	s.T().Cleanup(func() { conn.Close() })

	local := conn.LocalAddr().String()
	s.Require().Eventually(func() bool {
		for _, addr := range s.server.Registry.Addresses() {
			if addr == local {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "xApp never registered")
	return conn
}

func (s *ServerIntegrationTestSuite) sendCommand(body string) CommandResponse {
	conn, err := net.Dial("tcp", s.server.CommandAddr().String())
	s.Require().NoError(err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	_, err = conn.Write([]byte(body))
	s.Require().NoError(err)
	raw, err := io.ReadAll(conn)
	s.Require().NoError(err)

	var resp CommandResponse
	s.Require().NoError(json.Unmarshal(raw, &resp))
	return resp
}

func (s *ServerIntegrationTestSuite) TestKPIReachesEngineVerbatim() {
	xapp := s.dialXApp()
	s.Require().NoError(protocol.WriteFrame(xapp, []byte(kpiFrame)))

	s.Equal(kpiFrame, string(readFrame(s.T(), s.ai)))
}

func (s *ServerIntegrationTestSuite) TestRecommendationRoundTrip() {
	xapp := s.dialXApp()
	reply := `{"type":"control","meid":"gnb-1","cmd":{"action":"set_mcs","mcs":12}}`

	go func() {
		payload, err := protocol.ReadFrame(s.ai)
		if err == nil && string(payload) == recFrame {
			protocol.WriteFrame(s.ai, []byte(reply))
		}
	}()

	s.Require().NoError(protocol.WriteFrame(xapp, []byte(recFrame)))
	s.Equal(reply, string(readFrame(s.T(), xapp)))
}

func (s *ServerIntegrationTestSuite) TestRecommendationTimeoutGetsNoAction() {
	xapp := s.dialXApp()
	s.Require().NoError(protocol.WriteFrame(xapp, []byte(recFrame)))

	s.Equal(string(protocol.NoActionReply), string(readFrame(s.T(), xapp)))
}

func (s *ServerIntegrationTestSuite) TestControlBroadcastToAllXApps() {
	a := s.dialXApp()
	b := s.dialXApp()
	ctrl := `{"type":"control","meid":"gnb-1","cmd":{"action":"set_bandwidth","bandwidth":40}}`

	s.Require().NoError(protocol.WriteFrame(s.ai, []byte(ctrl)))

	s.Equal(ctrl, string(readFrame(s.T(), a)))
	s.Equal(ctrl, string(readFrame(s.T(), b)))
}

func (s *ServerIntegrationTestSuite) TestCommandInjection() {
	s.Equal(CommandResponse{Status: StatusError, Message: "No xApp connections available"},
		s.sendCommand(`{"meid":"gnb-1","cmd":{"action":"set_mcs","mcs":3}}`))

	a := s.dialXApp()
	b := s.dialXApp()

	resp := s.sendCommand(`{"meid":"gnb-1","cmd":{"action":"set_mcs","mcs":3}}`)
	s.Equal(CommandResponse{Status: StatusOK, Message: "Command forwarded to xApp for MEID gnb-1"}, resp)
	want := `{"type":"control","meid":"gnb-1","cmd":{"action":"set_mcs","mcs":3}}`
	s.JSONEq(want, string(readFrame(s.T(), a)))
	s.JSONEq(want, string(readFrame(s.T(), b)))

	// after A leaves only B is addressed
	aAddr := a.LocalAddr().String()
	a.Close()
	s.Require().Eventually(func() bool {
		return s.server.Registry.Len() == 1 && s.server.Registry.Addresses()[0] != aAddr
	}, 2*time.Second, 10*time.Millisecond)

	resp = s.sendCommand(`{"meid":"gnb-1","cmd":{"action":"set_mcs","mcs":4}}`)
	s.Equal(StatusOK, resp.Status)
	s.JSONEq(`{"type":"control","meid":"gnb-1","cmd":{"action":"set_mcs","mcs":4}}`, string(readFrame(s.T(), b)))
}

func (s *ServerIntegrationTestSuite) TestOversizedFrameClosesConnection() {
	xapp := s.dialXApp()

	var header [protocol.HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], protocol.MaxFrame+1)
	_, err := xapp.Write(header[:])
	s.Require().NoError(err)

	xapp.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = xapp.Read(make([]byte, 1))
	s.Error(err, "relay closes a connection that breaks framing")
	s.Eventually(func() bool { return s.server.Registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func (s *ServerIntegrationTestSuite) TestBadJSONKeepsConnection() {
	xapp := s.dialXApp()
	s.Require().NoError(protocol.WriteFrame(xapp, []byte(`{not json`)))
	s.Require().NoError(protocol.WriteFrame(xapp, []byte(kpiFrame)))

	s.Equal(kpiFrame, string(readFrame(s.T(), s.ai)))
	s.Equal(1, s.server.Registry.Len())
}

func (s *ServerIntegrationTestSuite) TestStatus() {
	xapp := s.dialXApp()
	st := s.server.Status()
	s.Equal("CONNECTED", st.Uplink)
	s.Equal([]string{xapp.LocalAddr().String()}, st.XAppConnections)
}

func TestServerIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(ServerIntegrationTestSuite))
}

func TestServer_NoEngineAnswersNoAction(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	l.Close()

	server := NewServer(ServerConfig{
		XAppAddr:     "127.0.0.1:0",
		CommandAddr:  "127.0.0.1:0",
		WriteTimeout: time.Second,
		ReplyTimeout: time.Second,
		Uplink:       UplinkConfig{Addr: deadAddr, Backoff: time.Hour, DialTimeout: 200 * time.Millisecond},
	})
	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	xapp, err := net.Dial("tcp", server.XAppAddr().String())
	require.NoError(t, err)
	defer xapp.Close()

	require.NoError(t, protocol.WriteFrame(xapp, []byte(kpiFrame)))
	require.NoError(t, protocol.WriteFrame(xapp, []byte(recFrame)))
	assert.Equal(t, string(protocol.NoActionReply), string(readFrame(t, xapp)))
}

func TestServer_ListenFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	server := NewServer(ServerConfig{
		XAppAddr:    busy.Addr().String(),
		CommandAddr: "127.0.0.1:0",
		Uplink:      UplinkConfig{Addr: "127.0.0.1:1"},
	})
	err = server.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind xApp listener")
}
