package smdr

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/metrics"
	"github.com/tacos8me/calldoc/internal/models"
)

// maxLineLen bounds a single record line; real records stay well under 1 KiB.
const maxLineLen = 64 * 1024

// Handler receives every parsed record. Returning an error only gets it
// logged; the stream keeps going.
type Handler func(ctx context.Context, rec models.DetailRecord) error

// Stats is a snapshot of detail-record transport counters.
type Stats struct {
	Connections int64      `json:"connections"`
	Accepted    uint64     `json:"accepted"`
	Lines       uint64     `json:"lines"`
	Rejected    uint64     `json:"rejected"`
	LastLineAt  *time.Time `json:"last_line_at,omitempty"`
}

// lineReader turns a byte stream into records and keeps the counters shared
// by the listener and the dialer.
type lineReader struct {
	loc     *time.Location
	handler Handler
	log     logrus.FieldLogger

	connections atomic.Int64
	accepted    atomic.Uint64
	lines       atomic.Uint64
	rejected    atomic.Uint64

	mu         sync.Mutex
	lastLineAt time.Time
}

func (r *lineReader) stats() Stats {
	s := Stats{
		Connections: r.connections.Load(),
		Accepted:    r.accepted.Load(),
		Lines:       r.lines.Load(),
		Rejected:    r.rejected.Load(),
	}
	r.mu.Lock()
	if !r.lastLineAt.IsZero() {
		t := r.lastLineAt
		s.LastLineAt = &t
	}
	r.mu.Unlock()
	return s
}

// consume reads lines until src is exhausted or fails. EOF returns nil.
func (r *lineReader) consume(ctx context.Context, src io.Reader) error {
	r.connections.Add(1)
	r.accepted.Add(1)
	metrics.SMDRConnections.Inc()
	defer func() {
		r.connections.Add(-1)
		metrics.SMDRConnections.Dec()
	}()

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 4096), maxLineLen)

	for sc.Scan() {
		line := sc.Text()
		if isBlank(line) {
			continue
		}
		r.handleLine(ctx, line)
	}

	return sc.Err()
}

func (r *lineReader) handleLine(ctx context.Context, line string) {
	rec, err := Parse(line, r.loc)
	if err != nil {
		r.rejected.Add(1)
		metrics.SMDRLinesTotal.WithLabelValues("rejected").Inc()
		r.log.WithError(err).Debug("Skipping line")
		return
	}

	r.lines.Add(1)
	metrics.SMDRLinesTotal.WithLabelValues("ok").Inc()
	r.mu.Lock()
	r.lastLineAt = time.Now()
	r.mu.Unlock()

	if err := r.handler(ctx, rec); err != nil {
		r.log.WithError(err).WithField("call_id", rec.CallID).Warn("Record handler failed")
	}
}

// isBlank reports whether a line holds only NULs and line-end characters.
func isBlank(line string) bool {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case 0, '\r', '\n', ' ':
		default:
			return false
		}
	}
	return true
}
