package pbxsim

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/logging"
)

// LineWriter writes CRLF-terminated lines to w, the way the PBX does.
type LineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

func (l *LineWriter) WriteLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, line+"\r\n")
	return err
}

// RecordServer accepts detail-record clients and sends every line to all
// of them. Used when the daemon dials the PBX for records.
type RecordServer struct {
	log      logrus.FieldLogger
	listener net.Listener

	mu      sync.Mutex
	clients map[net.Conn]struct{}
	wg      sync.WaitGroup
}

func NewRecordServer(log logrus.FieldLogger) *RecordServer {
	return &RecordServer{
		log:     logging.Component(log, "pbxsim-smdr"),
		clients: make(map[net.Conn]struct{}),
	}
}

func (s *RecordServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *RecordServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *RecordServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()
		s.log.WithField("remote", conn.RemoteAddr().String()).Info("record client connected")
	}
}

// Clients is the number of connected clients.
func (s *RecordServer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// WriteLine sends line to every client, dropping the ones that fail.
func (s *RecordServer) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if _, err := io.WriteString(conn, line+"\r\n"); err != nil {
			s.log.WithError(err).Warn("dropping record client")
			conn.Close()
			delete(s.clients, conn)
		}
	}
	return nil
}

func (s *RecordServer) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
