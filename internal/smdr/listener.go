package smdr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/logging"
)

// Listener accepts connections from a PBX that pushes its detail records
// to us. Each connection is read line by line until it closes.
type Listener struct {
	addr        string
	listener    net.Listener
	connections sync.WaitGroup
	activeConns sync.Map // remote address -> net.Conn
	reader      *lineReader
	log         logrus.FieldLogger
}

// NewListener creates a listener on addr. Records carry times in loc.
func NewListener(addr string, loc *time.Location, handler Handler, log logrus.FieldLogger) *Listener {
	log = logging.Component(log, "smdr")
	return &Listener{
		addr: addr,
		log:  log,
		reader: &lineReader{
			loc:     loc,
			handler: handler,
			log:     log,
		},
	}
}

// Listen binds the address. Serve calls it if needed.
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}
	l.listener = ln
	l.log.WithField("address", ln.Addr().String()).Info("SMDR listener ready")
	return nil
}

func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until ctx is done, then closes every open
// connection and waits for the readers to finish.
func (l *Listener) Serve(ctx context.Context) error {
	if l.listener == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() {
		l.listener.Close()
		l.activeConns.Range(func(_, v any) bool {
			v.(net.Conn).Close()
			return true
		})
	})
	defer stop()
	defer l.connections.Wait()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		l.connections.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer l.connections.Done()

	id := conn.RemoteAddr().String()
	l.activeConns.Store(id, conn)
	defer l.activeConns.Delete(id)
	defer conn.Close()

	// the stop hook may have run between Accept and Store
	if ctx.Err() != nil {
		return
	}

	log := l.log.WithField("remote", id)
	log.Info("PBX connected")
	start := time.Now()

	if err := l.reader.consume(ctx, conn); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("SMDR connection error")
	}
	log.WithField("duration", time.Since(start).Round(time.Second)).Info("PBX disconnected")
}

func (l *Listener) Stats() Stats {
	return l.reader.stats()
}
