package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tacos8me/calldoc/internal/kafkabus"
	"github.com/tacos8me/calldoc/internal/metrics"
)

func createIngestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Forward both PBX feeds to Kafka without correlating",
		Long: `Connects to the PBX like serve does, but writes every event and detail
record to the Kafka events and records topics. Run serve with
kafka.inbound=true elsewhere to correlate them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest()
		},
	}
}

func runIngest() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Kafka.Enabled() {
		return errors.New("ingest requires kafka.brokers")
	}
	loc, err := smdrLocation(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	producer := kafkabus.NewProducer(cfg.Kafka, log)
	defer producer.Close()

	f := newFeeds(cfg, loc, producer.Forward, log)
	if err := f.start(); err != nil {
		return err
	}

	status := metrics.NewServer(cfg.Status.Listen, func() any {
		ps := producer.Stats()
		r := &statusReport{Mode: "ingest", Kafka: &ps}
		f.fill(r)
		return r
	}, log)
	if err := status.Start(); err != nil {
		return err
	}
	defer status.Stop(context.Background())

	log.WithField("brokers", cfg.Kafka.Brokers).Info("Forwarding PBX feeds to Kafka")

	eg, gctx := errgroup.WithContext(ctx)
	f.run(gctx, eg)
	return eg.Wait()
}
