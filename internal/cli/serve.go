package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tacos8me/calldoc/internal/correlation"
	"github.com/tacos8me/calldoc/internal/db"
	"github.com/tacos8me/calldoc/internal/devlink"
	"github.com/tacos8me/calldoc/internal/groupstats"
	"github.com/tacos8me/calldoc/internal/kafkabus"
	"github.com/tacos8me/calldoc/internal/metrics"
	"github.com/tacos8me/calldoc/internal/models"
	"github.com/tacos8me/calldoc/internal/smdr"
)

// statusReport is served on /status and rendered by the status command.
type statusReport struct {
	Mode    string                  `json:"mode"`
	Engine  *correlation.Stats      `json:"engine,omitempty"`
	DevLink *devlink.Stats          `json:"devlink,omitempty"`
	SMDR    *smdr.Stats             `json:"smdr,omitempty"`
	Kafka   *kafkabus.ProducerStats `json:"kafka,omitempty"`
	Groups  []models.GroupStats     `json:"groups,omitempty"`
}

func createServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest and correlation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := smdrLocation(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Initialize(ctx, cfg.Database.DSN(), log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()

	directory := db.NewDirectory(database, cfg.Agents, log)
	if err := directory.Load(ctx); err != nil {
		return fmt.Errorf("agent directory: %w", err)
	}

	groups := groupstats.New()
	if seed, err := database.LoadGroupStats(ctx); err != nil {
		log.WithError(err).Warn("Failed to load hunt-group statistics, starting from zero")
	} else {
		groups.Seed(seed)
	}

	var publisher correlation.Publisher = correlation.NopPublisher{}
	var producer *kafkabus.Producer
	if cfg.Kafka.Enabled() {
		producer = kafkabus.NewProducer(cfg.Kafka, log)
		defer producer.Close()
		publisher = producer
	}

	engine, err := correlation.New(correlation.Config{
		StaleAfter:       cfg.Correlation.StaleAfter,
		SweepInterval:    cfg.Correlation.SweepInterval,
		SweepBatch:       cfg.Correlation.SweepBatch,
		MatchWindow:      cfg.Correlation.MatchWindow,
		RequireExtension: cfg.Correlation.RequireExtension,
		Mailbox:          cfg.Correlation.Mailbox,
	}, correlation.Deps{
		Store:     database,
		Publisher: publisher,
		Directory: directory,
		Groups:    groups,
		Log:       log,
	})
	if err != nil {
		return err
	}
	if err := metrics.RegisterEngine(prometheus.DefaultRegisterer, engine.MetricsSnapshot); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	submit := func(ctx context.Context, ch correlation.Channel, _ string, data []byte) error {
		return engine.Submit(ctx, ch, data)
	}

	var local *feeds
	mode := "local"
	if cfg.Kafka.Inbound {
		mode = "kafka"
	} else {
		local = newFeeds(cfg, loc, submit, log)
		if err := local.start(); err != nil {
			return err
		}
	}

	status := metrics.NewServer(cfg.Status.Listen, func() any {
		s := engine.Stats()
		r := &statusReport{Mode: mode, Engine: &s, Groups: groups.Snapshot()}
		if local != nil {
			local.fill(r)
		}
		if producer != nil {
			ps := producer.Stats()
			r.Kafka = &ps
		}
		return r
	}, log)
	if err := status.Start(); err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"mode":    mode,
		"devlink": cfg.DevLink.Address,
		"smdr":    fmt.Sprintf("%s %s", cfg.SMDR.Mode, cfg.SMDR.Address),
	}).Info("CallDoc started")

	eg, gctx := errgroup.WithContext(ctx)
	if local != nil {
		local.run(gctx, eg)
	} else {
		consumer := kafkabus.NewConsumer(cfg.Kafka, engine, log)
		eg.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	<-gctx.Done()
	log.Info("Shutting down")
	runErr := eg.Wait()

	// feeds are down; whatever they submitted is drained before the engine exits
	engine.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := status.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Status server did not stop cleanly")
	}
	return runErr
}
