package smdr

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/logging"
)

// Dialer connects out to a PBX that serves detail records on a TCP port and
// reconnects with capped exponential backoff whenever the stream ends.
type Dialer struct {
	addr         string
	reconnectMin time.Duration
	reconnectMax time.Duration
	reader       *lineReader
	log          logrus.FieldLogger
}

func NewDialer(addr string, loc *time.Location, handler Handler, reconnectMin, reconnectMax time.Duration, log logrus.FieldLogger) *Dialer {
	log = logging.Component(log, "smdr")
	if reconnectMin <= 0 {
		reconnectMin = time.Second
	}
	if reconnectMax < reconnectMin {
		reconnectMax = time.Minute
	}
	return &Dialer{
		addr:         addr,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
		log:          log,
		reader: &lineReader{
			loc:     loc,
			handler: handler,
			log:     log,
		},
	}
}

// Run reads records until ctx is done.
func (d *Dialer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.reconnectMin
	bo.MaxInterval = d.reconnectMax
	bo.MaxElapsedTime = 0

	op := func() error {
		err := d.session(ctx, bo.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = io.EOF
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.log.WithError(err).WithField("retry_in", wait.Round(time.Millisecond)).Warn("SMDR stream ended")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Dialer) session(ctx context.Context, onConnected func()) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	d.log.WithField("address", d.addr).Info("Connected to PBX detail-record port")
	onConnected()
	return d.reader.consume(ctx, conn)
}

func (d *Dialer) Stats() Stats {
	return d.reader.stats()
}
