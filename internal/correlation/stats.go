package correlation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tacos8me/calldoc/internal/metrics"
)

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	EventsReceived         int64      `json:"events_received"`
	RecordsReceived        int64      `json:"records_received"`
	Matched                int64      `json:"matched"`
	Unmatched              int64      `json:"unmatched"`
	Continuations          int64      `json:"continuations"`
	AvgMatchLatencySeconds float64    `json:"avg_match_latency_seconds"`
	Errors                 int64      `json:"errors"`
	Evicted                int64      `json:"evicted"`
	Pending                int        `json:"pending"`
	Running                bool       `json:"running"`
	StartedAt              *time.Time `json:"started_at,omitempty"`
	LastError              string     `json:"last_error,omitempty"`
	LastErrorAt            *time.Time `json:"last_error_at,omitempty"`
}

// counters are written by the actor and the consumers, read by anyone.
type counters struct {
	events        atomic.Int64
	records       atomic.Int64
	matched       atomic.Int64
	unmatched     atomic.Int64
	continuations atomic.Int64
	errors        atomic.Int64
	evicted       atomic.Int64
	pending       atomic.Int64

	mu           sync.Mutex
	latencySum   time.Duration
	latencyCount int64
	lastError    string
	lastErrorAt  time.Time
}

func (c *counters) observeLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	c.latencySum += d
	c.latencyCount++
	c.mu.Unlock()
	metrics.MatchLatencySeconds.Observe(d.Seconds())
}

func (c *counters) setError(err error, at time.Time) {
	c.errors.Add(1)
	c.mu.Lock()
	c.lastError = err.Error()
	c.lastErrorAt = at
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	s := Stats{
		EventsReceived:  c.events.Load(),
		RecordsReceived: c.records.Load(),
		Matched:         c.matched.Load(),
		Unmatched:       c.unmatched.Load(),
		Continuations:   c.continuations.Load(),
		Errors:          c.errors.Load(),
		Evicted:         c.evicted.Load(),
		Pending:         int(c.pending.Load()),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latencyCount > 0 {
		s.AvgMatchLatencySeconds = c.latencySum.Seconds() / float64(c.latencyCount)
	}
	if c.lastError != "" {
		at := c.lastErrorAt
		s.LastError = c.lastError
		s.LastErrorAt = &at
	}
	return s
}
