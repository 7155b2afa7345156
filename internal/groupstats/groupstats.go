// Package groupstats keeps running per-hunt-group call statistics.
package groupstats

import (
	"sort"
	"sync"
	"time"

	"github.com/tacos8me/calldoc/internal/models"
)

type Tracker struct {
	mu     sync.RWMutex
	groups map[string]*models.GroupStats
}

func New() *Tracker {
	return &Tracker{
		groups: make(map[string]*models.GroupStats),
	}
}

// Record adds one finished call to group and returns the updated stats.
// Ring time averages over every call, talk time over answered calls only.
func (t *Tracker) Record(group string, answered bool, ringSeconds, talkSeconds int, at time.Time) models.GroupStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, exists := t.groups[group]
	if !exists {
		stats = &models.GroupStats{Group: group}
		t.groups[group] = stats
	}

	stats.TotalCalls++
	stats.AvgRingSeconds = runningAvg(stats.AvgRingSeconds, stats.TotalCalls, float64(ringSeconds))

	if answered {
		stats.AnsweredCalls++
		stats.AvgTalkSeconds = runningAvg(stats.AvgTalkSeconds, stats.AnsweredCalls, float64(talkSeconds))
	} else {
		stats.AbandonedCalls++
	}

	if at.After(stats.LastCallTime) {
		stats.LastCallTime = at
	}

	return *stats
}

// Get returns the stats of group; unknown groups yield zero counts.
func (t *Tracker) Get(group string) models.GroupStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if stats, exists := t.groups[group]; exists {
		return *stats
	}
	return models.GroupStats{Group: group}
}

// Snapshot returns every group ordered by name.
func (t *Tracker) Snapshot() []models.GroupStats {
	t.mu.RLock()
	out := make([]models.GroupStats, 0, len(t.groups))
	for _, s := range t.groups {
		out = append(out, *s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Seed loads previously persisted stats so averages continue across restarts.
func (t *Tracker) Seed(stats []models.GroupStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range stats {
		s := s
		t.groups[s.Group] = &s
	}
}

func runningAvg(avg float64, n int64, sample float64) float64 {
	return (avg*float64(n-1) + sample) / float64(n)
}
