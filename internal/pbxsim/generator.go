package pbxsim

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tacos8me/calldoc/internal/devlink"
	"github.com/tacos8me/calldoc/internal/logging"
	"github.com/tacos8me/calldoc/internal/models"
	"github.com/tacos8me/calldoc/internal/smdr"
)

// Broadcaster delivers event bodies to subscribers; *devlink.Server implements it.
type Broadcaster interface {
	Broadcast(body []byte) int
}

// RecordSink receives formatted detail-record lines.
type RecordSink interface {
	WriteLine(line string) error
}

type Generator struct {
	events  Broadcaster
	records RecordSink
	loc     *time.Location
	log     logrus.FieldLogger
	now     func() time.Time

	eventsSent  atomic.Uint64
	recordsSent atomic.Uint64
}

// NewGenerator creates a generator. Either feed may be nil to leave it out.
func NewGenerator(events Broadcaster, records RecordSink, loc *time.Location, log logrus.FieldLogger) *Generator {
	if loc == nil {
		loc = time.Local
	}
	return &Generator{
		events:  events,
		records: records,
		loc:     loc,
		log:     logging.Component(log, "pbxsim"),
		now:     time.Now,
	}
}

// Run plays every call of s concurrently, each starting at its offset.
func (g *Generator) Run(ctx context.Context, s *Scenario) error {
	if err := s.Validate(); err != nil {
		return err
	}
	g.log.WithFields(logrus.Fields{
		"scenario": s.Name,
		"calls":    len(s.Calls),
		"speed":    s.Speed,
	}).Info("playing scenario")

	base := g.now().Truncate(time.Second)
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range s.Calls {
		c := c
		eg.Go(func() error {
			if err := wait(ctx, c.Start, s.Speed); err != nil {
				return err
			}
			return g.play(ctx, c, base.Add(c.Start), s.Speed)
		})
	}
	return eg.Wait()
}

// Stats returns how many events and records were sent.
func (g *Generator) Stats() (events, records uint64) {
	return g.eventsSent.Load(), g.recordsSent.Load()
}

// play emits the event sequence of one call followed by its detail record.
// start is the simulated start time stamped on both feeds.
func (g *Generator) play(ctx context.Context, c Call, start time.Time, speed float64) error {
	log := g.log.WithField("call_id", c.ID)
	at := start

	g.emit(c, models.EventCreated, models.StateRinging, at, false)
	if err := wait(ctx, c.Ring, speed); err != nil {
		return err
	}
	at = at.Add(c.Ring)

	if !c.Abandoned {
		g.emit(c, models.EventUpdated, models.StateConnected, at, true)
		if err := wait(ctx, c.Talk, speed); err != nil {
			return err
		}
		at = at.Add(c.Talk)

		if c.Hold > 0 {
			g.emit(c, models.EventUpdated, models.StateHeld, at, true)
			if err := wait(ctx, c.Hold, speed); err != nil {
				return err
			}
			at = at.Add(c.Hold)
		}
		at = at.Add(c.Park)
	}
	g.emit(c, models.EventEnded, models.StateDisconnecting, at, false)

	if err := wait(ctx, c.RecordDelay, speed); err != nil {
		return err
	}
	if g.records != nil && !c.NoRecord {
		line := smdr.Format(detailRecord(c, start), g.loc)
		if err := g.records.WriteLine(line); err != nil {
			return fmt.Errorf("call %d: failed to write record: %w", c.ID, err)
		}
		g.recordsSent.Add(1)
	}
	log.Debug("call played")
	return nil
}

func (g *Generator) emit(c Call, kind models.EventKind, state models.CallState, at time.Time, connected bool) {
	if g.events == nil || c.NoEvents {
		return
	}
	body, err := devlink.EncodeEvent(callEvent(c, kind, state, at, connected))
	if err != nil {
		g.log.WithError(err).Error("failed to encode event")
		return
	}
	g.events.Broadcast(body)
	g.eventsSent.Add(1)
}

func callEvent(c Call, kind models.EventKind, state models.CallState, at time.Time, connected bool) models.CallEvent {
	trunk := models.Party{Device: c.Trunk, Connected: connected, CallingNum: c.Caller, CalledNum: c.Called}
	ext := models.Party{Device: "E" + c.Extension, Connected: connected, CallingNum: c.Caller, CalledNum: c.Called}

	ev := models.CallEvent{
		ExternalCallID: strconv.FormatInt(c.ID, 10),
		Kind:           kind,
		State:          state,
		Direction:      direction(c),
		CallerNumber:   c.Caller,
		CalledNumber:   c.Called,
		HuntGroup:      c.HuntGroup,
		Timestamp:      at,
	}
	if ev.Direction == models.DirectionInbound {
		ev.Parties = []models.Party{trunk, ext}
	} else {
		ev.Parties = []models.Party{ext, trunk}
	}
	if c.HuntGroup != "" {
		ev.Targets = []string{"E" + c.Extension}
	}
	return ev
}

func detailRecord(c Call, start time.Time) models.DetailRecord {
	id := c.ID
	if c.RecordCallID != 0 {
		id = c.RecordCallID
	}
	rec := models.DetailRecord{
		CallID:        id,
		CallStart:     start,
		RingDuration:  seconds(c.Ring),
		Direction:     direction(c),
		CallerNumber:  c.Caller,
		CalledNumber:  c.Called,
		DialledNumber: c.Called,
		Party1Device:  "E" + c.Extension,
		Party1Name:    c.Agent,
		Party2Device:  c.Trunk,
		Party2Name:    "Line " + c.Trunk[1:],
	}
	if !c.Abandoned {
		rec.ConnectedDuration = seconds(c.Talk)
		rec.HoldDuration = seconds(c.Hold)
		rec.ParkDuration = seconds(c.Park)
	}
	return rec
}

func direction(c Call) models.Direction {
	if c.Direction == "outbound" {
		return models.DirectionOutbound
	}
	return models.DirectionInbound
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}

func wait(ctx context.Context, d time.Duration, speed float64) error {
	if speed > 0 {
		d = time.Duration(float64(d) / speed)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
