package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacos8me/calldoc/internal/models"
)

func TestLifecycleFor(t *testing.T) {
	tests := []struct {
		kind  models.EventKind
		state models.CallState
		want  models.LifecycleType
		ok    bool
	}{
		{models.EventCreated, models.StateRinging, models.LifecycleInitiated, true},
		{models.EventCreated, models.StateUnknown, models.LifecycleInitiated, true},
		{models.EventEnded, models.StateDisconnecting, models.LifecycleCompleted, true},
		{models.EventUpdated, models.StateRinging, models.LifecycleRinging, true},
		{models.EventUpdated, models.StateConnected, models.LifecycleAnswered, true},
		{models.EventUpdated, models.StateHeld, models.LifecycleHeld, true},
		{models.EventUpdated, models.StateDisconnecting, "", false},
		{models.EventUpdated, models.StateUnknown, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.state), func(t *testing.T) {
			got, ok := LifecycleFor(tt.kind, tt.state)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAgentActivity(t *testing.T) {
	tests := []struct {
		ev   models.CallEvent
		want string
		ok   bool
	}{
		{models.CallEvent{Kind: models.EventCreated, State: models.StateRinging}, AgentRinging, true},
		{models.CallEvent{Kind: models.EventUpdated, State: models.StateConnected}, AgentBusy, true},
		{models.CallEvent{Kind: models.EventUpdated, State: models.StateHeld}, AgentHeld, true},
		{models.CallEvent{Kind: models.EventUpdated, State: models.StateDisconnecting}, AgentIdle, true},
		{models.CallEvent{Kind: models.EventEnded, State: models.StateConnected}, AgentIdle, true},
		{models.CallEvent{Kind: models.EventUpdated, State: models.StateUnknown}, "", false},
	}
	for _, tt := range tests {
		got, ok := agentActivity(tt.ev)
		assert.Equal(t, tt.ok, ok)
		assert.Equal(t, tt.want, got)
	}
}

func pendingCall(id, ext string, start, seen time.Time) *models.PendingCall {
	return &models.PendingCall{ExternalCallID: id, Extension: ext, StartTime: start, FirstSeenAt: seen}
}

func TestFallbackPicksSmallestDelta(t *testing.T) {
	m := matchPolicy{window: 5 * time.Second, requireExtension: true}
	pending := map[string]*models.PendingCall{
		"far":   pendingCall("far", "201", t0.Add(4*time.Second), t0),
		"near":  pendingCall("near", "201", t0.Add(-time.Second), t0),
		"other": pendingCall("other", "202", t0, t0),
		"out":   pendingCall("out", "201", t0.Add(6*time.Second), t0),
	}

	got := m.fallback(pending, detailRecord(1, t0))
	require.NotNil(t, got)
	assert.Equal(t, "near", got.ExternalCallID)
}

func TestFallbackTieBreak(t *testing.T) {
	m := matchPolicy{window: 5 * time.Second, requireExtension: true}

	t.Run("earliest first seen", func(t *testing.T) {
		pending := map[string]*models.PendingCall{
			"b": pendingCall("b", "201", t0.Add(2*time.Second), t0.Add(time.Second)),
			"a": pendingCall("a", "201", t0.Add(-2*time.Second), t0.Add(3*time.Second)),
		}
		got := m.fallback(pending, detailRecord(1, t0))
		require.NotNil(t, got)
		assert.Equal(t, "b", got.ExternalCallID)
	})

	t.Run("lower id when seen together", func(t *testing.T) {
		pending := map[string]*models.PendingCall{
			"20": pendingCall("20", "201", t0.Add(2*time.Second), t0),
			"10": pendingCall("10", "201", t0.Add(-2*time.Second), t0),
		}
		got := m.fallback(pending, detailRecord(1, t0))
		require.NotNil(t, got)
		assert.Equal(t, "10", got.ExternalCallID)
	})
}

func TestFallbackWindowIsInclusive(t *testing.T) {
	m := matchPolicy{window: 5 * time.Second}
	pending := map[string]*models.PendingCall{
		"edge": pendingCall("edge", "", t0.Add(5*time.Second), t0),
	}
	assert.NotNil(t, m.fallback(pending, detailRecord(1, t0)))

	pending["edge"].StartTime = t0.Add(5*time.Second + time.Nanosecond)
	assert.Nil(t, m.fallback(pending, detailRecord(1, t0)))
}

func TestFallbackSkips(t *testing.T) {
	strict := matchPolicy{window: 5 * time.Second, requireExtension: true}
	loose := matchPolicy{window: 5 * time.Second}

	matched := pendingCall("m", "201", t0, t0)
	matched.Matched = true
	noStart := pendingCall("z", "201", time.Time{}, t0)
	pending := map[string]*models.PendingCall{"m": matched, "z": noStart}
	assert.Nil(t, loose.fallback(pending, detailRecord(1, t0)))

	trunkOnly := detailRecord(1, t0)
	trunkOnly.Party1Device = "T9001"
	trunkOnly.Party2Device = "V1"
	pending = map[string]*models.PendingCall{"x": pendingCall("x", "", t0, t0)}
	assert.Nil(t, strict.fallback(pending, trunkOnly))
	assert.NotNil(t, loose.fallback(pending, trunkOnly))

	noTime := detailRecord(1, time.Time{})
	assert.Nil(t, loose.fallback(pending, noTime))
}

func TestRecordFields(t *testing.T) {
	rec := detailRecord(12345, t0)
	rec.CallCharge = 1.25
	rec.Currency = "GBP"

	f := recordFields("12345", rec)
	assert.Equal(t, models.SourceDetail, f.Source)
	assert.Equal(t, 207, f.Duration)
	assert.Equal(t, "201", f.AgentExtension)
	require.NotNil(t, f.EndTime)
	assert.Equal(t, t0.Add(207*time.Second), *f.EndTime)
	assert.Equal(t, 1.25, f.CallCharge)
	assert.False(t, f.Matched)
}

func TestMergeRecordPrefersEventIdentity(t *testing.T) {
	agentID := int64(3)
	p := &models.PendingCall{
		ExternalCallID: "A",
		Extension:      "205",
		HuntGroup:      "Support",
		AgentID:        &agentID,
		LastKnownState: models.StateConnected,
		StartTime:      t0,
	}

	f := mergeRecord(p, detailRecord(9, t0.Add(time.Second)))
	assert.Equal(t, "A", f.ExternalCallID)
	assert.Equal(t, models.SourceMerged, f.Source)
	assert.True(t, f.Matched)
	assert.Equal(t, "205", f.AgentExtension)
	assert.Equal(t, "Support", f.HuntGroup)
	assert.Equal(t, &agentID, f.AgentID)
	assert.Equal(t, models.StateConnected, f.State)
	// the record's own start wins until a leg has been merged
	assert.Equal(t, t0.Add(time.Second), f.StartTime)
}
