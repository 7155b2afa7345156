// Package correlation joins the real-time call event stream with the
// detail-record stream and persists the reconciled calls.
//
// All pending-call state is owned by a single actor goroutine. Each inbound
// channel has its own consumer that decodes messages and queues the handler
// onto the actor, so messages from one channel are applied in arrival order.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tacos8me/calldoc/internal/groupstats"
	"github.com/tacos8me/calldoc/internal/logging"
	"github.com/tacos8me/calldoc/internal/metrics"
	"github.com/tacos8me/calldoc/internal/models"
)

// Channel identifies an inbound stream.
type Channel int

const (
	ChannelEvents Channel = iota
	ChannelRecords
)

func (c Channel) String() string {
	switch c {
	case ChannelEvents:
		return "events"
	case ChannelRecords:
		return "records"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// ErrStopped is returned by operations on an engine that is not running.
var ErrStopped = errors.New("correlation: engine stopped")

type Config struct {
	// StaleAfter is how long a call may wait for its detail record. Calls
	// strictly older than this are evicted by the sweep.
	StaleAfter    time.Duration
	SweepInterval time.Duration
	// SweepBatch bounds the pending entries examined per actor turn.
	SweepBatch int

	MatchWindow      time.Duration
	RequireExtension bool

	// Mailbox is the buffer of each inbound channel and of the actor queue.
	Mailbox      int
	StoreTimeout time.Duration

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		// a call lives at most StaleAfter + SweepInterval
		c.SweepInterval = c.StaleAfter / 20
		if c.SweepInterval < time.Second {
			c.SweepInterval = time.Second
		}
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 500
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = 5 * time.Second
	}
	if c.Mailbox <= 0 {
		c.Mailbox = 64
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the collaborators of the engine. Store is required.
type Deps struct {
	Store     Store
	Publisher Publisher
	Directory Directory
	Groups    *groupstats.Tracker
	Log       logrus.FieldLogger
}

type Engine struct {
	cfg    Config
	policy matchPolicy

	store     Store
	publisher Publisher
	directory Directory
	groups    *groupstats.Tracker
	log       logrus.FieldLogger

	stats counters

	// owned by the actor goroutine
	pending    map[string]*models.PendingCall
	// legs maps the record call id of a continuation leg matched by start
	// time to the external id of its pending call
	legs       map[string]string
	sweepQueue []string
	sweepAt    time.Time

	inbound [2]chan []byte
	mailbox chan func()

	mu        sync.RWMutex
	started   bool
	closed    bool
	running   bool
	startedAt time.Time
	baseCtx   context.Context

	done      chan struct{}
	stopOnce  sync.Once
	consumers errgroup.Group
	actor     errgroup.Group
}

// New creates a stopped engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("correlation: store is required")
	}
	cfg.setDefaults()

	e := &Engine{
		cfg: cfg,
		policy: matchPolicy{
			window:           cfg.MatchWindow,
			requireExtension: cfg.RequireExtension,
		},
		store:     deps.Store,
		publisher: deps.Publisher,
		directory: deps.Directory,
		groups:    deps.Groups,
		log:       logging.Component(deps.Log, "correlation"),
		pending:   make(map[string]*models.PendingCall),
		legs:      make(map[string]string),
		mailbox:   make(chan func(), cfg.Mailbox),
		done:      make(chan struct{}),
	}
	if e.publisher == nil {
		e.publisher = NopPublisher{}
	}
	for i := range e.inbound {
		e.inbound[i] = make(chan []byte, cfg.Mailbox)
	}
	return e, nil
}

// Start launches the actor and one consumer per inbound channel. Store
// calls run under ctx without its cancellation, so messages already queued
// when ctx ends are still persisted by Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStopped
	}
	if e.started {
		return errors.New("correlation: engine already started")
	}
	e.started = true
	e.running = true
	e.startedAt = e.cfg.Now()
	e.baseCtx = context.WithoutCancel(ctx)

	e.actor.Go(func() error {
		e.loop()
		return nil
	})
	for _, ch := range []Channel{ChannelEvents, ChannelRecords} {
		ch := ch
		e.consumers.Go(func() error {
			e.consume(ch)
			return nil
		})
	}

	e.log.WithFields(logrus.Fields{
		"stale_after":       e.cfg.StaleAfter,
		"sweep_interval":    e.cfg.SweepInterval,
		"match_window":      e.cfg.MatchWindow,
		"require_extension": e.cfg.RequireExtension,
	}).Info("correlation engine started")
	return nil
}

// Stop closes both inbound channels, lets the consumers drain what was
// already submitted, then stops the actor and its sweep ticker. It is safe
// to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)

		e.mu.Lock()
		e.closed = true
		for _, ch := range e.inbound {
			close(ch)
		}
		started := e.started
		e.mu.Unlock()

		if !started {
			return
		}
		_ = e.consumers.Wait()
		close(e.mailbox)
		_ = e.actor.Wait()

		e.mu.Lock()
		e.running = false
		e.mu.Unlock()

		s := e.stats.snapshot()
		e.log.WithFields(logrus.Fields{
			"matched":   s.Matched,
			"unmatched": s.Unmatched,
			"pending":   s.Pending,
		}).Info("correlation engine stopped")
	})
}

// Run starts the engine and stops it when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

// Submit queues one serialized message on ch. It blocks while the channel
// is full.
func (e *Engine) Submit(ctx context.Context, ch Channel, data []byte) error {
	if ch != ChannelEvents && ch != ChannelRecords {
		return fmt.Errorf("correlation: unknown %s", ch)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed || !e.started {
		return ErrStopped
	}

	select {
	case e.inbound[ch] <- data:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepNow runs a complete staleness sweep on the actor and returns the
// number of evicted calls.
func (e *Engine) SweepNow(ctx context.Context) (int, error) {
	var evicted int
	err := e.query(ctx, func() {
		before := e.stats.evicted.Load()
		e.beginSweep()
		for len(e.sweepQueue) > 0 {
			e.sweepStep()
		}
		evicted = int(e.stats.evicted.Load() - before)
	})
	return evicted, err
}

// Pending returns a copy of the calls still waiting for their detail record.
func (e *Engine) Pending(ctx context.Context) ([]models.PendingCall, error) {
	var out []models.PendingCall
	err := e.query(ctx, func() {
		out = make([]models.PendingCall, 0, len(e.pending))
		for _, p := range e.pending {
			out = append(out, *p)
		}
	})
	return out, err
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()
	e.mu.RLock()
	s.Running = e.running
	if e.started {
		at := e.startedAt
		s.StartedAt = &at
	}
	e.mu.RUnlock()
	return s
}

// MetricsSnapshot adapts Stats for metrics.RegisterEngine.
func (e *Engine) MetricsSnapshot() metrics.EngineSnapshot {
	s := e.stats.snapshot()
	return metrics.EngineSnapshot{
		EventsReceived:  s.EventsReceived,
		RecordsReceived: s.RecordsReceived,
		Matched:         s.Matched,
		Unmatched:       s.Unmatched,
		Errors:          s.Errors,
		Evicted:         s.Evicted,
		Pending:         s.Pending,
	}
}

// query runs fn on the actor and waits for it.
func (e *Engine) query(ctx context.Context, fn func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed || !e.started {
		return ErrStopped
	}

	finished := make(chan struct{})
	select {
	case e.mailbox <- func() { defer close(finished); fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) consume(ch Channel) {
	for data := range e.inbound[ch] {
		msg, err := e.dispatch(ch, data)
		if err != nil {
			e.exec(func() { e.fail(err) })
			continue
		}
		e.exec(func() { e.handle(msg) })
	}
}

// dispatch decodes data and checks it belongs on ch.
func (e *Engine) dispatch(ch Channel, data []byte) (Message, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s channel: %w", ch, err)
	}

	var want Channel
	switch msg.(type) {
	case CallCreated, CallUpdated, CallEnded:
		want = ChannelEvents
	case RecordAvailable:
		want = ChannelRecords
	}
	if want != ch {
		return nil, fmt.Errorf("%w: %T on %s channel", ErrMalformedMessage, msg, ch)
	}
	return msg, nil
}

// exec queues fn on the actor. The mailbox is FIFO, so one consumer's
// messages keep their order.
func (e *Engine) exec(fn func()) {
	e.mailbox <- fn
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if len(e.sweepQueue) > 0 {
			// a sweep is in progress: one batch per turn, interleaved with work
			e.sweepStep()
			select {
			case fn, ok := <-e.mailbox:
				if !ok {
					return
				}
				fn()
			case <-ticker.C:
			default:
			}
			continue
		}

		select {
		case fn, ok := <-e.mailbox:
			if !ok {
				return
			}
			fn()
		case <-ticker.C:
			e.beginSweep()
		}
	}
}

func (e *Engine) beginSweep() {
	e.sweepAt = e.cfg.Now()
	e.sweepQueue = e.sweepQueue[:0]
	for id := range e.pending {
		e.sweepQueue = append(e.sweepQueue, id)
	}
}

func (e *Engine) sweepStep() {
	n := e.cfg.SweepBatch
	if n > len(e.sweepQueue) {
		n = len(e.sweepQueue)
	}
	batch := e.sweepQueue[:n]

	evicted := 0
	for _, id := range batch {
		p, ok := e.pending[id]
		if !ok {
			continue
		}
		if e.sweepAt.Sub(p.FirstSeenAt) > e.cfg.StaleAfter {
			e.forget(id)
			evicted++
			e.log.WithFields(logrus.Fields{
				"call_id": id,
				"matched": p.Matched,
				"state":   p.LastKnownState,
			}).Debug("evicted stale call")
		}
	}
	e.sweepQueue = e.sweepQueue[n:]

	if evicted > 0 {
		e.stats.evicted.Add(int64(evicted))
		e.syncPending()
		e.log.WithField("evicted", evicted).Info("swept stale calls")
	}
}

// removePending drops a pending call and every leg alias pointing at it.
func (e *Engine) removePending(id string) {
	e.forget(id)
	e.syncPending()
}

func (e *Engine) forget(id string) {
	delete(e.pending, id)
	for leg, target := range e.legs {
		if target == id {
			delete(e.legs, leg)
		}
	}
}

func (e *Engine) syncPending() {
	e.stats.pending.Store(int64(len(e.pending)))
}
