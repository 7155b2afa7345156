// Command pbxsim plays scripted or random calls on a DevLink3 event port and
// the matching SMDR detail records, for exercising calldoc without a PBX.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tacos8me/calldoc/internal/config"
	"github.com/tacos8me/calldoc/internal/devlink"
	"github.com/tacos8me/calldoc/internal/logging"
	"github.com/tacos8me/calldoc/internal/pbxsim"
)

type options struct {
	devlinkAddr string
	username    string
	password    string
	smdrPush    string
	smdrListen  string
	scenario    string
	calls       int
	span        time.Duration
	speed       float64
	extensions  string
	location    string
	waitFor     time.Duration
	seed        int64
	verbose     bool
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:          "pbxsim",
		Short:        "Simulate a PBX's DevLink3 and SMDR feeds",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.devlinkAddr, "devlink", ":50797", "DevLink3 listen address")
	f.StringVar(&opts.username, "username", "devlink", "DevLink3 username")
	f.StringVar(&opts.password, "password", "secret", "DevLink3 password")
	f.StringVar(&opts.smdrPush, "smdr-push", "", "Connect to this SMDR listener and push records")
	f.StringVar(&opts.smdrListen, "smdr-listen", "", "Serve records to clients connecting here")
	f.StringVar(&opts.scenario, "scenario", "", "YAML scenario file (default: random calls)")
	f.IntVar(&opts.calls, "calls", 20, "Number of random calls")
	f.DurationVar(&opts.span, "span", 5*time.Minute, "Random calls start within this span")
	f.Float64Var(&opts.speed, "speed", 1, "Playback speed multiplier")
	f.StringVar(&opts.extensions, "extensions", "201,202,203", "Extensions answering random calls")
	f.StringVar(&opts.location, "location", "Local", "Time zone of the SMDR record times")
	f.DurationVar(&opts.waitFor, "wait", 30*time.Second, "How long to wait for a DevLink subscriber before playing")
	f.Int64Var(&opts.seed, "seed", 0, "Random seed (default: current time)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	level := "info"
	if opts.verbose {
		level = "debug"
	}
	log, err := logging.New(config.LogConfig{Level: level, Format: "text"})
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(opts.location)
	if err != nil {
		return fmt.Errorf("invalid location: %w", err)
	}

	scenario, err := loadScenario(opts)
	if err != nil {
		return err
	}
	if opts.speed > 0 {
		scenario.Speed = opts.speed
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := devlink.NewServer(devlink.ServerConfig{
		Username: opts.username,
		Password: opts.password,
		Tuples: []devlink.Tuple{
			{Key: "vendor", Value: "pbxsim"},
			{Key: "version", Value: "11.1.0.0.0 build 1"},
		},
	}, log)
	if err := server.Listen(opts.devlinkAddr); err != nil {
		return err
	}
	go func() {
		if err := server.Serve(); err != nil {
			log.WithError(err).Error("DevLink server failed")
		}
	}()
	defer server.Stop()

	records, closeRecords, err := recordSink(opts, log)
	if err != nil {
		return err
	}
	defer closeRecords()

	if err := awaitSubscriber(ctx, server, opts.waitFor, log); err != nil {
		return err
	}

	gen := pbxsim.NewGenerator(server, records, loc, log)
	start := time.Now()
	if err := gen.Run(ctx, scenario); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	events, recs := gen.Stats()
	color.Green("✓ Played %d calls in %s: %d events, %d records",
		len(scenario.Calls), time.Since(start).Round(time.Millisecond), events, recs)
	return nil
}

func loadScenario(opts options) (*pbxsim.Scenario, error) {
	if opts.scenario != "" {
		return pbxsim.LoadScenario(opts.scenario)
	}
	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	exts := strings.Split(opts.extensions, ",")
	return pbxsim.RandomScenario(opts.calls, opts.span, exts, rand.New(rand.NewSource(seed))), nil
}

// recordSink picks where detail records go: pushed to a listener, served to
// connecting clients, or nowhere.
func recordSink(opts options, log logrus.FieldLogger) (pbxsim.RecordSink, func(), error) {
	switch {
	case opts.smdrPush != "":
		conn, err := net.DialTimeout("tcp", opts.smdrPush, 5*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to SMDR listener: %w", err)
		}
		log.WithField("address", opts.smdrPush).Info("Pushing SMDR records")
		return pbxsim.NewLineWriter(conn), func() { conn.Close() }, nil
	case opts.smdrListen != "":
		srv := pbxsim.NewRecordServer(log)
		if err := srv.Listen(opts.smdrListen); err != nil {
			return nil, nil, err
		}
		return srv, func() { srv.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func awaitSubscriber(ctx context.Context, server *devlink.Server, timeout time.Duration, log logrus.FieldLogger) error {
	if server.Subscribers() > 0 || timeout <= 0 {
		return nil
	}
	log.WithField("timeout", timeout).Info("Waiting for a DevLink subscriber")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			log.Warn("No DevLink subscriber, playing anyway")
			return nil
		case <-tick.C:
			if server.Subscribers() > 0 {
				return nil
			}
		}
	}
}
