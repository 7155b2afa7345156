package correlation

import (
	"time"

	"github.com/tacos8me/calldoc/internal/models"
	"github.com/tacos8me/calldoc/internal/smdr"
)

// LifecycleFor maps an event to the lifecycle row it produces. The second
// result is false for combinations that are not recorded.
func LifecycleFor(kind models.EventKind, state models.CallState) (models.LifecycleType, bool) {
	switch kind {
	case models.EventCreated:
		return models.LifecycleInitiated, true
	case models.EventEnded:
		return models.LifecycleCompleted, true
	case models.EventUpdated:
		switch state {
		case models.StateRinging:
			return models.LifecycleRinging, true
		case models.StateConnected:
			return models.LifecycleAnswered, true
		case models.StateHeld:
			return models.LifecycleHeld, true
		}
	}
	return "", false
}

// Agent activity values written through UpdateAgentState.
const (
	AgentRinging = "ringing"
	AgentBusy    = "busy"
	AgentHeld    = "held"
	AgentIdle    = "idle"
)

func agentActivity(ev models.CallEvent) (string, bool) {
	if ev.Kind == models.EventEnded {
		return AgentIdle, true
	}
	switch ev.State {
	case models.StateRinging:
		return AgentRinging, true
	case models.StateConnected:
		return AgentBusy, true
	case models.StateHeld:
		return AgentHeld, true
	case models.StateDisconnecting:
		return AgentIdle, true
	}
	return "", false
}

// matchPolicy holds the fallback rules for records whose id has no live call.
type matchPolicy struct {
	window           time.Duration
	requireExtension bool
}

// fallback picks the unmatched pending call whose start is closest to the
// record's, within the window. Ties go to the call seen first.
func (m matchPolicy) fallback(pending map[string]*models.PendingCall, rec models.DetailRecord) *models.PendingCall {
	if rec.CallStart.IsZero() {
		return nil
	}
	ext := smdr.ResolvedExtension(rec)
	if m.requireExtension && ext == "" {
		return nil
	}

	var best *models.PendingCall
	var bestDelta time.Duration
	for _, p := range pending {
		if p.Matched || p.StartTime.IsZero() {
			continue
		}
		if m.requireExtension && p.Extension != ext {
			continue
		}
		delta := absDuration(p.StartTime.Sub(rec.CallStart))
		if delta > m.window {
			continue
		}
		if best == nil || delta < bestDelta ||
			(delta == bestDelta && earlier(p, best)) {
			best, bestDelta = p, delta
		}
	}
	return best
}

func earlier(a, b *models.PendingCall) bool {
	if !a.FirstSeenAt.Equal(b.FirstSeenAt) {
		return a.FirstSeenAt.Before(b.FirstSeenAt)
	}
	return a.ExternalCallID < b.ExternalCallID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func eventFields(ev models.CallEvent) models.CallFields {
	return models.CallFields{
		ExternalCallID: ev.ExternalCallID,
		Source:         models.SourceRealtime,
		State:          ev.State,
		Direction:      ev.Direction,
		CallerNumber:   ev.CallerNumber,
		CalledNumber:   ev.CalledNumber,
		AgentExtension: ev.AgentExtension,
		HuntGroup:      ev.HuntGroup,
	}
}

// recordFields is the persisted view of a detail record on its own.
func recordFields(externalID string, rec models.DetailRecord) models.CallFields {
	total := smdr.TotalDuration(rec)
	f := models.CallFields{
		ExternalCallID:    externalID,
		Source:            models.SourceDetail,
		Direction:         rec.Direction,
		CallerNumber:      rec.CallerNumber,
		CalledNumber:      rec.CalledNumber,
		DialledNumber:     rec.DialledNumber,
		AgentExtension:    smdr.ResolvedExtension(rec),
		StartTime:         rec.CallStart,
		Duration:          total,
		ConnectedDuration: rec.ConnectedDuration,
		RingDuration:      rec.RingDuration,
		HoldDuration:      rec.HoldDuration,
		ParkDuration:      rec.ParkDuration,
		IsInternal:        rec.IsInternal,
		Continuation:      smdr.IsContinuation(rec),
		Account:           rec.Account,
		AuthCode:          rec.AuthCode,
		CallCharge:        rec.CallCharge,
		Currency:          rec.Currency,
		CallUnits:         rec.CallUnits,
	}
	if !rec.CallStart.IsZero() {
		end := rec.CallStart.Add(time.Duration(total) * time.Second)
		f.EndTime = &end
	}
	return f
}

// mergeRecord overlays the record's authoritative timing and billing onto
// what the event stream knew about the call. Durations of continuation legs
// matched earlier are added in.
func mergeRecord(p *models.PendingCall, rec models.DetailRecord) models.CallFields {
	f := recordFields(p.ExternalCallID, rec)
	f.Source = models.SourceMerged
	f.Matched = true
	f.State = p.LastKnownState
	f.AgentID = p.AgentID
	if p.Extension != "" {
		f.AgentExtension = p.Extension
	}
	f.HuntGroup = p.HuntGroup

	if p.Legs > 0 {
		f.ConnectedDuration += p.ConnectedSeconds
		f.RingDuration += p.RingSeconds
		f.HoldDuration += p.HoldSeconds
		f.ParkDuration += p.ParkSeconds
		f.Duration = f.ConnectedDuration + f.RingDuration + f.HoldDuration + f.ParkDuration
		if !p.StartTime.IsZero() && p.StartTime.Before(f.StartTime) {
			f.StartTime = p.StartTime
		}
	}
	return f
}

// addLeg accumulates a matched continuation leg into p.
func addLeg(p *models.PendingCall, rec models.DetailRecord) {
	p.Legs++
	p.ConnectedSeconds += rec.ConnectedDuration
	p.RingSeconds += rec.RingDuration
	p.HoldSeconds += rec.HoldDuration
	p.ParkSeconds += rec.ParkDuration
}
