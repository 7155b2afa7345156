// Package metrics implements Prometheus metrics for the ingest pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevlinkConnectsTotal counts connection attempts to the PBX event port by outcome
	DevlinkConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calldoc_devlink_connects_total",
			Help: "Total number of DevLink connection attempts",
		},
		[]string{"result"},
	)

	// DevlinkResyncBytesTotal counts bytes skipped while resynchronizing the frame stream
	DevlinkResyncBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calldoc_devlink_resync_bytes_total",
			Help: "Total number of bytes discarded while scanning for a frame header",
		},
	)

	// DevlinkEventsTotal counts event frames by decode result
	DevlinkEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calldoc_devlink_events_total",
			Help: "Total number of DevLink event frames received",
		},
		[]string{"result"},
	)

	// SMDRLinesTotal counts detail-record lines by parse result
	SMDRLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calldoc_smdr_lines_total",
			Help: "Total number of detail-record lines read",
		},
		[]string{"result"},
	)

	// SMDRConnections tracks currently open detail-record connections
	SMDRConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calldoc_smdr_connections",
			Help: "Number of open detail-record connections",
		},
	)

	// PublishTotal counts call announcements by outcome
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calldoc_publish_total",
			Help: "Total number of call announcements published",
		},
		[]string{"result"},
	)

	// MatchLatencySeconds measures the time from first event to detail-record match
	MatchLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calldoc_match_latency_seconds",
			Help:    "Time between a call's first event and its detail-record match",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
		},
	)
)

// EngineSnapshot is the subset of correlation counters exported to Prometheus.
type EngineSnapshot struct {
	EventsReceived  int64
	RecordsReceived int64
	Matched         int64
	Unmatched       int64
	Errors          int64
	Evicted         int64
	Pending         int
}

// RegisterEngine exports correlation counters read from fn at scrape time.
// It must be called at most once per registerer.
func RegisterEngine(reg prometheus.Registerer, fn func() EngineSnapshot) error {
	counter := func(name, help string, get func(EngineSnapshot) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(get(fn()))
		})
	}

	collectors := []prometheus.Collector{
		counter("calldoc_engine_events_received_total", "Call events handled by the correlation engine",
			func(s EngineSnapshot) int64 { return s.EventsReceived }),
		counter("calldoc_engine_records_received_total", "Detail records handled by the correlation engine",
			func(s EngineSnapshot) int64 { return s.RecordsReceived }),
		counter("calldoc_engine_matched_total", "Detail records matched to a live call",
			func(s EngineSnapshot) int64 { return s.Matched }),
		counter("calldoc_engine_unmatched_total", "Detail records without a live call",
			func(s EngineSnapshot) int64 { return s.Unmatched }),
		counter("calldoc_engine_errors_total", "Malformed messages and downstream failures",
			func(s EngineSnapshot) int64 { return s.Errors }),
		counter("calldoc_engine_evicted_total", "Pending calls evicted by the staleness sweep",
			func(s EngineSnapshot) int64 { return s.Evicted }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "calldoc_engine_pending_calls",
			Help: "Calls waiting for their detail record",
		}, func() float64 { return float64(fn().Pending) }),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
