package devlink

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/logging"
)

// ServerConfig holds the credentials a Server accepts.
type ServerConfig struct {
	Username string
	Password string
	// Tuples are sent to clients after a successful login
	Tuples []Tuple
	// IdleTimeout closes connections that send nothing for this long; zero disables it
	IdleTimeout time.Duration
}

// Server is the PBX side of the protocol. It authenticates clients, accepts
// event subscriptions and pushes events to subscribers. It backs the
// simulator and the protocol tests.
type Server struct {
	cfg         ServerConfig
	log         logrus.FieldLogger
	listener    net.Listener
	connections sync.WaitGroup
	shutdown    chan struct{}
	stopOnce    sync.Once
	activeConns sync.Map // id -> *serverSession
	nextID      atomic.Uint64
	broadcasts  atomic.Uint64
}

type serverSession struct {
	id         string
	conn       net.Conn
	server     *Server
	auth       *AuthSession
	subscribed atomic.Bool
	flags      string
	writeMu    sync.Mutex
	startTime  time.Time
}

func NewServer(cfg ServerConfig, log logrus.FieldLogger) *Server {
	return &Server{
		cfg:      cfg,
		log:      logging.Component(log, "devlink-server"),
		shutdown: make(chan struct{}),
	}
}

// Listen binds addr. Use ":0" to pick a free port and Addr to read it back.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = l
	s.log.WithField("address", l.Addr().String()).Info("DevLink server listening")
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Stop is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("devlink server: Listen must be called before Serve")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.connections.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop closes the listener and all sessions and waits for them to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		s.activeConns.Range(func(_, v any) bool {
			v.(*serverSession).conn.Close()
			return true
		})
		s.connections.Wait()
		s.log.Info("DevLink server stopped")
	})
}

// Broadcast pushes an event body to every subscribed session and returns
// how many received it.
func (s *Server) Broadcast(body []byte) int {
	s.broadcasts.Add(1)
	sent := 0
	s.activeConns.Range(func(_, v any) bool {
		sess := v.(*serverSession)
		if !sess.subscribed.Load() {
			return true
		}
		if err := sess.write(Frame{Type: PacketEvent, Body: body}); err != nil {
			s.log.WithError(err).WithField("session", sess.id).Warn("Dropping subscriber")
			sess.conn.Close()
			return true
		}
		sent++
		return true
	})
	return sent
}

// Subscribers is the number of sessions that completed the event request.
func (s *Server) Subscribers() int {
	n := 0
	s.activeConns.Range(func(_, v any) bool {
		if v.(*serverSession).subscribed.Load() {
			n++
		}
		return true
	})
	return n
}

type ServerStats struct {
	ActiveConnections int    `json:"active_connections"`
	Subscribers       int    `json:"subscribers"`
	Broadcasts        uint64 `json:"broadcasts"`
	Address           string `json:"address"`
}

func (s *Server) GetStats() ServerStats {
	active := 0
	s.activeConns.Range(func(_, _ any) bool {
		active++
		return true
	})
	st := ServerStats{
		ActiveConnections: active,
		Subscribers:       s.Subscribers(),
		Broadcasts:        s.broadcasts.Load(),
	}
	if addr := s.Addr(); addr != nil {
		st.Address = addr.String()
	}
	return st
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.connections.Done()

	sess := &serverSession{
		id:        fmt.Sprintf("%s-%d", conn.RemoteAddr(), s.nextID.Add(1)),
		conn:      conn,
		server:    s,
		auth:      NewAuthSession(s.cfg.Username, s.cfg.Password, s.cfg.Tuples),
		startTime: time.Now(),
	}

	s.activeConns.Store(sess.id, sess)
	defer s.activeConns.Delete(sess.id)
	defer conn.Close()

	log := s.log.WithField("session", sess.id)
	log.Debug("New connection")

	if err := sess.serve(); err != nil {
		log.WithError(err).Debug("Session ended")
	}
	log.WithField("duration", time.Since(sess.startTime).Round(time.Millisecond)).Debug("Session closed")
}

func (sess *serverSession) serve() error {
	var framer Framer
	buf := make([]byte, 4096)

	for {
		if idle := sess.server.cfg.IdleTimeout; idle > 0 {
			_ = sess.conn.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := sess.conn.Read(buf)
		if n > 0 {
			_, _ = framer.Write(buf[:n])
			for {
				f, ok := framer.Next()
				if !ok {
					break
				}
				if err := sess.dispatch(f); err != nil {
					return err
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

var errSessionRejected = errors.New("session rejected")

func (sess *serverSession) dispatch(f Frame) error {
	switch f.Type {
	case PacketTest:
		return sess.write(Frame{Type: PacketTestAck, RequestID: f.RequestID})

	case PacketAuth:
		req, err := ParseAuthRequest(f.Body)
		if err != nil {
			return err
		}
		resp, err := sess.auth.Handle(req)
		if err != nil {
			return err
		}
		if err := sess.write(Frame{Type: PacketAuthResponse, RequestID: f.RequestID, Body: resp.MarshalBinary()}); err != nil {
			return err
		}
		if resp.Result == AuthFail {
			return fmt.Errorf("%w: authentication failed", errSessionRejected)
		}
		return nil

	case PacketEventRequest:
		if !sess.auth.Authenticated() {
			_ = sess.write(Frame{
				Type:      PacketEventRequestResponse,
				RequestID: f.RequestID,
				Body:      EventRequestResponse{Result: AuthFail}.MarshalBinary(),
			})
			return fmt.Errorf("%w: event request before login", errSessionRejected)
		}
		sess.flags = string(f.Body)
		err := sess.write(Frame{
			Type:      PacketEventRequestResponse,
			RequestID: f.RequestID,
			Body:      EventRequestResponse{Result: AuthPass, Flags: sess.flags}.MarshalBinary(),
		})
		if err == nil {
			sess.subscribed.Store(true)
		}
		return err

	default:
		return nil
	}
}

func (sess *serverSession) write(f Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = sess.conn.Write(b)
	return err
}
