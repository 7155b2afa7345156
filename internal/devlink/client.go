package devlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/logging"
	"github.com/tacos8me/calldoc/internal/metrics"
	"github.com/tacos8me/calldoc/internal/models"
)

// ErrSubscribeRejected is returned when the PBX refuses the event request.
var ErrSubscribeRejected = errors.New("devlink: event subscription rejected")

// State is the client connection state.
type State int32

const (
	StateDisconnected State = iota
	StateAwaitingTest
	StateAwaitingUsername
	StateAwaitingChallengeResponse
	StateSubscribing
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingTest:
		return "awaiting_test"
	case StateAwaitingUsername:
		return "awaiting_username"
	case StateAwaitingChallengeResponse:
		return "awaiting_challenge_response"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

type Config struct {
	Address    string
	Username   string
	Password   string
	EventFlags string
	// LivenessProbe sends a Test frame right after connecting and waits for the echo
	LivenessProbe    bool
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	// EventBuffer is the capacity of the Events channel
	EventBuffer int
}

func (c *Config) setDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = time.Minute
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 100
	}
}

// Stats is a snapshot of client counters.
type Stats struct {
	State          string            `json:"state"`
	Connects       uint64            `json:"connects"`
	ConnectErrors  uint64            `json:"connect_errors"`
	AuthFailures   uint64            `json:"auth_failures"`
	ResyncBytes    uint64            `json:"resync_bytes"`
	Events         uint64            `json:"events"`
	MalformedEvent uint64            `json:"malformed_events"`
	ConnectedSince *time.Time        `json:"connected_since,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	LastErrorAt    *time.Time        `json:"last_error_at,omitempty"`
	ServerInfo     map[string]string `json:"server_info,omitempty"`
}

// Client maintains the event connection to one PBX: it connects, logs in,
// subscribes and decodes events into the Events channel, reconnecting with
// capped exponential backoff until its context ends.
type Client struct {
	cfg    Config
	log    logrus.FieldLogger
	events chan models.CallEvent

	writeMu sync.Mutex
	reqID   atomic.Uint32
	state   atomic.Int32

	connects      atomic.Uint64
	connectErrors atomic.Uint64
	authFailures  atomic.Uint64
	resyncBytes   atomic.Uint64
	eventCount    atomic.Uint64
	malformed     atomic.Uint64

	mu             sync.Mutex
	connectedSince time.Time
	lastErr        error
	lastErrAt      time.Time
	serverInfo     map[string]string
}

func NewClient(cfg Config, log logrus.FieldLogger) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:    cfg,
		log:    logging.Component(log, "devlink"),
		events: make(chan models.CallEvent, cfg.EventBuffer),
	}
}

// Events delivers decoded call events. It is closed when Run returns.
func (c *Client) Events() <-chan models.CallEvent {
	return c.events
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		State:          c.State().String(),
		Connects:       c.connects.Load(),
		ConnectErrors:  c.connectErrors.Load(),
		AuthFailures:   c.authFailures.Load(),
		ResyncBytes:    c.resyncBytes.Load(),
		Events:         c.eventCount.Load(),
		MalformedEvent: c.malformed.Load(),
	}
	if !c.connectedSince.IsZero() {
		t := c.connectedSince
		s.ConnectedSince = &t
	}
	if c.lastErr != nil {
		t := c.lastErrAt
		s.LastError = c.lastErr.Error()
		s.LastErrorAt = &t
	}
	if len(c.serverInfo) > 0 {
		s.ServerInfo = make(map[string]string, len(c.serverInfo))
		for k, v := range c.serverInfo {
			s.ServerInfo[k] = v
		}
	}
	return s
}

// Run connects and streams until ctx is cancelled. Connection and login
// failures are retried with backoff; Run only returns when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectMin
	bo.MaxInterval = c.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	op := func() error {
		err := c.session(ctx, bo.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = io.EOF
		}
		c.recordError(err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("retry_in", wait.Round(time.Millisecond)).Warn("DevLink connection lost")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection from dial to disconnect. onReady is called
// once the subscription is accepted.
func (c *Client) session(ctx context.Context, onReady func()) error {
	defer c.setState(StateDisconnected)

	dialer := net.Dialer{Timeout: c.cfg.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		c.connectErrors.Add(1)
		metrics.DevlinkConnectsTotal.WithLabelValues("dial_error").Inc()
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Address, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := &frameReader{conn: conn, client: c}

	if err := c.handshake(conn, r); err != nil {
		if errors.Is(err, ErrAuthFailed) {
			c.authFailures.Add(1)
			metrics.DevlinkConnectsTotal.WithLabelValues("auth_failed").Inc()
		} else {
			metrics.DevlinkConnectsTotal.WithLabelValues("handshake_error").Inc()
		}
		return err
	}

	c.connects.Add(1)
	metrics.DevlinkConnectsTotal.WithLabelValues("ok").Inc()
	c.mu.Lock()
	c.connectedSince = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connectedSince = time.Time{}
		c.mu.Unlock()
	}()

	c.setState(StateStreaming)
	c.log.WithField("address", c.cfg.Address).Info("DevLink connected and subscribed")
	onReady()

	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()
	probeErr := make(chan error, 1)
	go func() { probeErr <- c.probeLoop(probeCtx, conn) }()

	err = c.stream(ctx, conn, r)
	cancelProbe()
	if perr := <-probeErr; err == nil && perr != nil {
		err = perr
	}
	return err
}

func (c *Client) handshake(conn net.Conn, r *frameReader) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)

	if c.cfg.LivenessProbe {
		c.setState(StateAwaitingTest)
		id, err := c.send(conn, PacketTest, nil)
		if err != nil {
			return err
		}
		if _, err := r.await(conn, deadline, PacketTestAck, id); err != nil {
			return fmt.Errorf("liveness probe: %w", err)
		}
	}

	c.setState(StateAwaitingUsername)
	id, err := c.send(conn, PacketAuth, AuthRequest{Stage: AuthStageUsername, Payload: []byte(c.cfg.Username)}.MarshalBinary())
	if err != nil {
		return err
	}
	resp, err := c.awaitAuth(conn, r, deadline, id)
	if err != nil {
		return err
	}

	// some firmware accepts the username without a challenge
	if resp.Result == AuthChallenge {
		c.setState(StateAwaitingChallengeResponse)
		digest := ChallengeDigest(resp.Challenge, c.cfg.Password)
		id, err = c.send(conn, PacketAuth, AuthRequest{Stage: AuthStageDigest, Payload: digest[:]}.MarshalBinary())
		if err != nil {
			return err
		}
		if resp, err = c.awaitAuth(conn, r, deadline, id); err != nil {
			return err
		}
	}
	if resp.Result != AuthPass {
		return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Result)
	}
	c.setServerInfo(resp.Tuples)

	c.setState(StateSubscribing)
	id, err = c.send(conn, PacketEventRequest, []byte(c.cfg.EventFlags))
	if err != nil {
		return err
	}
	f, err := r.await(conn, deadline, PacketEventRequestResponse, id)
	if err != nil {
		return err
	}
	sub, err := ParseEventRequestResponse(f.Body)
	if err != nil {
		return err
	}
	if sub.Result != AuthPass {
		return fmt.Errorf("%w: %s", ErrSubscribeRejected, sub.Result)
	}
	return nil
}

func (c *Client) awaitAuth(conn net.Conn, r *frameReader, deadline time.Time, id uint32) (AuthResponse, error) {
	f, err := r.await(conn, deadline, PacketAuthResponse, id)
	if err != nil {
		return AuthResponse{}, err
	}
	resp, err := ParseAuthResponse(f.Body)
	if err != nil {
		return AuthResponse{}, err
	}
	if resp.Result == AuthFail {
		return resp, ErrAuthFailed
	}
	return resp, nil
}

// stream reads frames until the connection fails. A peer that stays silent
// for longer than a probe round trip is treated as gone.
func (c *Client) stream(ctx context.Context, conn net.Conn, r *frameReader) error {
	idle := c.cfg.ProbeInterval + c.cfg.ProbeTimeout
	for {
		f, err := r.next(time.Now().Add(idle))
		if err != nil {
			return err
		}

		switch f.Type {
		case PacketEvent:
			if err := c.handleEvent(ctx, f); err != nil {
				return err
			}
		case PacketTest:
			if err := c.write(conn, Frame{Type: PacketTestAck, RequestID: f.RequestID}); err != nil {
				return err
			}
		case PacketTestAck:
			// any inbound frame already refreshed the read deadline
		default:
			c.log.WithField("type", f.Type).Debug("Ignoring unexpected frame")
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, f Frame) error {
	ev, err := DecodeEvent(f.Body, time.Now())
	if err != nil {
		if errors.Is(err, ErrIgnoredRecord) {
			metrics.DevlinkEventsTotal.WithLabelValues("ignored").Inc()
			return nil
		}
		c.malformed.Add(1)
		metrics.DevlinkEventsTotal.WithLabelValues("malformed").Inc()
		c.log.WithError(err).Warn("Dropping malformed event")
		return nil
	}

	c.eventCount.Add(1)
	metrics.DevlinkEventsTotal.WithLabelValues("ok").Inc()

	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) probeLoop(ctx context.Context, conn net.Conn) error {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.send(conn, PacketTest, nil); err != nil {
				// unblock the reader so the session ends now
				conn.Close()
				return fmt.Errorf("liveness probe: %w", err)
			}
		}
	}
}

func (c *Client) send(conn net.Conn, t PacketType, body []byte) (uint32, error) {
	id := c.reqID.Add(1)
	return id, c.write(conn, Frame{Type: t, RequestID: id, Body: body})
}

func (c *Client) write(conn net.Conn, f Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ProbeTimeout))
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.Type, err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) setServerInfo(tuples []Tuple) {
	info := make(map[string]string, len(tuples))
	for _, t := range tuples {
		info[t.Key] = t.Value
	}
	c.mu.Lock()
	c.serverInfo = info
	c.mu.Unlock()
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.lastErrAt = time.Now()
	c.mu.Unlock()
}

// frameReader pulls frames off a connection through a Framer.
type frameReader struct {
	conn   net.Conn
	client *Client
	framer Framer
	buf    [4096]byte
	// reported is the part of framer.Discarded already added to the counters
	reported uint64
}

func (r *frameReader) next(deadline time.Time) (Frame, error) {
	for {
		if f, ok := r.framer.Next(); ok {
			r.countResync()
			return f, nil
		}
		r.countResync()

		_ = r.conn.SetReadDeadline(deadline)
		n, err := r.conn.Read(r.buf[:])
		if n > 0 {
			_, _ = r.framer.Write(r.buf[:n])
			continue
		}
		if err != nil {
			return Frame{}, err
		}
	}
}

// await reads until a frame of type want answering request id arrives,
// answering server probes on the way.
func (r *frameReader) await(conn net.Conn, deadline time.Time, want PacketType, id uint32) (Frame, error) {
	for {
		f, err := r.next(deadline)
		if err != nil {
			return Frame{}, fmt.Errorf("waiting for %s: %w", want, err)
		}
		switch {
		case f.Type == want && f.RequestID == id:
			return f, nil
		case f.Type == PacketTest:
			if err := r.client.write(conn, Frame{Type: PacketTestAck, RequestID: f.RequestID}); err != nil {
				return Frame{}, err
			}
		}
	}
}

func (r *frameReader) countResync() {
	total := r.framer.Discarded()
	if d := total - r.reported; d > 0 {
		r.reported = total
		r.client.resyncBytes.Add(d)
		metrics.DevlinkResyncBytesTotal.Add(float64(d))
	}
}
