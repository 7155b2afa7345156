package cli

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tacos8me/calldoc/internal/config"
	"github.com/tacos8me/calldoc/internal/correlation"
	"github.com/tacos8me/calldoc/internal/devlink"
	"github.com/tacos8me/calldoc/internal/models"
	"github.com/tacos8me/calldoc/internal/smdr"
)

// sinkFunc receives every encoded envelope together with its partition key.
type sinkFunc func(ctx context.Context, ch correlation.Channel, key string, data []byte) error

// feeds are the two PBX connections: the DevLink event client and the
// detail-record listener or dialer.
type feeds struct {
	devlink  *devlink.Client
	listener *smdr.Listener
	dialer   *smdr.Dialer
	sink     sinkFunc
	log      logrus.FieldLogger
}

func newFeeds(cfg *config.Config, loc *time.Location, sink sinkFunc, log logrus.FieldLogger) *feeds {
	f := &feeds{sink: sink, log: log}

	if cfg.DevLink.Enabled {
		f.devlink = devlink.NewClient(devlink.Config{
			Address:          cfg.DevLink.Address,
			Username:         cfg.DevLink.Username,
			Password:         cfg.DevLink.Password,
			EventFlags:       cfg.DevLink.EventFlags,
			LivenessProbe:    cfg.DevLink.LivenessProbe,
			ProbeInterval:    cfg.DevLink.ProbeInterval,
			ProbeTimeout:     cfg.DevLink.ProbeTimeout,
			HandshakeTimeout: cfg.DevLink.HandshakeTimeout,
			ReconnectMin:     cfg.DevLink.ReconnectMin,
			ReconnectMax:     cfg.DevLink.ReconnectMax,
		}, log)
	}

	if cfg.SMDR.Enabled {
		handler := func(ctx context.Context, rec models.DetailRecord) error {
			data, err := correlation.EncodeRecord(rec)
			if err != nil {
				return err
			}
			return sink(ctx, correlation.ChannelRecords, strconv.FormatInt(rec.CallID, 10), data)
		}
		if cfg.SMDR.Mode == "dial" {
			f.dialer = smdr.NewDialer(cfg.SMDR.Address, loc, handler,
				cfg.DevLink.ReconnectMin, cfg.DevLink.ReconnectMax, log)
		} else {
			f.listener = smdr.NewListener(cfg.SMDR.Address, loc, handler, log)
		}
	}
	return f
}

// start binds the listener so address errors surface before anything runs.
func (f *feeds) start() error {
	if f.listener != nil {
		return f.listener.Listen()
	}
	return nil
}

// run adds one goroutine per feed to eg. Every feed returns once ctx is done.
func (f *feeds) run(ctx context.Context, eg *errgroup.Group) {
	if f.devlink != nil {
		eg.Go(func() error {
			return f.devlink.Run(ctx)
		})
		eg.Go(func() error {
			f.forwardEvents(ctx)
			return nil
		})
	}
	if f.listener != nil {
		eg.Go(func() error {
			return f.listener.Serve(ctx)
		})
	}
	if f.dialer != nil {
		eg.Go(func() error {
			return f.dialer.Run(ctx)
		})
	}
}

// forwardEvents drains the client's event channel until the client closes it.
func (f *feeds) forwardEvents(ctx context.Context) {
	for ev := range f.devlink.Events() {
		data, err := correlation.EncodeCallEvent(ev)
		if err != nil {
			f.log.WithError(err).WithField("call_id", ev.ExternalCallID).Warn("Dropping event")
			continue
		}
		if err := f.sink(ctx, correlation.ChannelEvents, ev.ExternalCallID, data); err != nil {
			if errors.Is(err, correlation.ErrStopped) || errors.Is(err, context.Canceled) {
				f.log.WithField("call_id", ev.ExternalCallID).Debug("Event not delivered during shutdown")
				continue
			}
			f.log.WithError(err).WithField("call_id", ev.ExternalCallID).Error("Failed to deliver event")
		}
	}
}

func (f *feeds) fill(r *statusReport) {
	if f.devlink != nil {
		s := f.devlink.Stats()
		r.DevLink = &s
	}
	switch {
	case f.listener != nil:
		s := f.listener.Stats()
		r.SMDR = &s
	case f.dialer != nil:
		s := f.dialer.Stats()
		r.SMDR = &s
	}
}
