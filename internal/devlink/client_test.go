package devlink

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacos8me/calldoc/internal/models"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(ServerConfig{
		Username: "devlink",
		Password: "secret",
		Tuples:   []Tuple{{Key: "vendor", Value: "calldoc-sim"}},
	}, nil)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)
	return srv
}

func testClientConfig(addr, password string) Config {
	return Config{
		Address:          addr,
		Username:         "devlink",
		Password:         password,
		EventFlags:       "-CallDelta3",
		LivenessProbe:    true,
		ProbeInterval:    50 * time.Millisecond,
		ProbeTimeout:     200 * time.Millisecond,
		HandshakeTimeout: time.Second,
		ReconnectMin:     10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	}
}

func runClient(t *testing.T, c *Client) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	return func() {
		cancelCtx()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("client did not stop")
		}
	}
}

func TestClientStreamsEvents(t *testing.T) {
	srv := startServer(t)
	c := NewClient(testClientConfig(srv.Addr().String(), "secret"), nil)
	stop := runClient(t, c)
	defer stop()

	require.Eventually(t, func() bool {
		return srv.Subscribers() == 1 && c.State() == StateStreaming
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "calldoc-sim", c.Stats().ServerInfo["vendor"])

	body, err := EncodeEvent(models.CallEvent{
		ExternalCallID: "12345",
		Kind:           models.EventCreated,
		State:          models.StateRinging,
		Parties:        []models.Party{{Device: "T9001"}, {Device: "E201"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Broadcast([]byte("<<not xml")))
	assert.Equal(t, 1, srv.Broadcast(body))

	select {
	case ev := <-c.Events():
		assert.Equal(t, "12345", ev.ExternalCallID)
		assert.Equal(t, "201", ev.AgentExtension)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.MalformedEvent)
	assert.Equal(t, uint64(1), stats.Events)
	assert.Equal(t, uint64(1), stats.Connects)
}

func TestClientProbesKeepConnectionAlive(t *testing.T) {
	srv := startServer(t)
	c := NewClient(testClientConfig(srv.Addr().String(), "secret"), nil)
	stop := runClient(t, c)
	defer stop()

	require.Eventually(t, func() bool { return c.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)

	// several probe intervals past the read deadline
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, StateStreaming, c.State())
	assert.Equal(t, uint64(1), c.Stats().Connects)
}

func TestClientReconnectsAfterServerDrop(t *testing.T) {
	srv := startServer(t)
	c := NewClient(testClientConfig(srv.Addr().String(), "secret"), nil)
	stop := runClient(t, c)
	defer stop()

	require.Eventually(t, func() bool { return srv.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.activeConns.Range(func(_, v any) bool {
		v.(*serverSession).conn.Close()
		return true
	})

	require.Eventually(t, func() bool { return c.Stats().Connects == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, c.Stats().LastError)

	// the new session starts with an empty frame buffer
	require.Eventually(t, func() bool {
		return srv.Subscribers() == 1 && c.State() == StateStreaming
	}, 2*time.Second, 5*time.Millisecond)
	body, err := EncodeEvent(models.CallEvent{ExternalCallID: "77", Kind: models.EventCreated, State: models.StateRinging})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Broadcast(body))

	select {
	case ev := <-c.Events():
		assert.Equal(t, "77", ev.ExternalCallID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event after reconnect")
	}
	assert.Equal(t, uint64(0), c.Stats().ResyncBytes)
}

func TestClientAuthFailure(t *testing.T) {
	srv := startServer(t)
	c := NewClient(testClientConfig(srv.Addr().String(), "wrong"), nil)
	stop := runClient(t, c)
	defer stop()

	require.Eventually(t, func() bool { return c.Stats().AuthFailures >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Stats().Connects)
	assert.Zero(t, srv.Subscribers())
	assert.Contains(t, c.Stats().LastError, ErrAuthFailed.Error())
}

func TestClientEventsClosedOnStop(t *testing.T) {
	c := NewClient(testClientConfig("127.0.0.1:1", "secret"), nil)
	stop := runClient(t, c)
	stop()

	_, ok := <-c.Events()
	assert.False(t, ok)
}

func TestServerRejectsEventRequestBeforeLogin(t *testing.T) {
	srv := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req, err := Frame{Type: PacketEventRequest, RequestID: 1, Body: []byte("-CallDelta3")}.MarshalBinary()
	require.NoError(t, err)
	_, err = conn.Write(req)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := readFrame(t, conn)
	assert.Equal(t, PacketEventRequestResponse, resp.Type)
	assert.Equal(t, uint32(AuthFail), binary.BigEndian.Uint32(resp.Body))

	// the server hangs up afterwards
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, srv.Subscribers())
}

func TestServerAnswersTest(t *testing.T) {
	srv := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// leading garbage is skipped by the server's framer
	probe, err := Frame{Type: PacketTest, RequestID: 42}.MarshalBinary()
	require.NoError(t, err)
	_, err = conn.Write(append([]byte{0x00, 0x13, 0x37}, probe...))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := readFrame(t, conn)
	assert.Equal(t, PacketTestAck, resp.Type)
	assert.Equal(t, uint32(42), resp.RequestID)
}

func readFrame(t *testing.T, conn net.Conn) Frame {
	t.Helper()
	var f Framer
	buf := make([]byte, 512)
	for {
		if frame, ok := f.Next(); ok {
			return frame
		}
		n, err := conn.Read(buf)
		require.NoError(t, err)
		_, _ = f.Write(buf[:n])
	}
}
