package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/models"
	"github.com/tacos8me/calldoc/internal/smdr"
)

// Announcement types published in addition to the event types.
const (
	AnnounceMatched   = "call.matched"
	AnnounceUnmatched = "call.unmatched"
)

// handle applies one message. It runs on the actor and never panics.
func (e *Engine) handle(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(fmt.Errorf("panic handling %T: %v", msg, r))
		}
	}()

	ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.StoreTimeout)
	defer cancel()

	switch m := msg.(type) {
	case CallCreated:
		e.stats.events.Add(1)
		e.onEvent(ctx, m.Event)
	case CallUpdated:
		e.stats.events.Add(1)
		e.onEvent(ctx, m.Event)
	case CallEnded:
		e.stats.events.Add(1)
		e.onEvent(ctx, m.Event)
	case RecordAvailable:
		e.stats.records.Add(1)
		e.onRecord(ctx, m.Record)
	default:
		e.fail(fmt.Errorf("%w: %T", ErrUnknownMessage, msg))
	}
}

// onEvent upserts the call and tracks it until its detail record arrives.
// Updates for a call never seen as created are tracked too, since the
// created event may have been lost across a reconnect. An ended event for
// an unknown call is persisted but not tracked: its record most likely
// matched already.
func (e *Engine) onEvent(ctx context.Context, ev models.CallEvent) {
	now := e.cfg.Now()
	at := ev.Timestamp
	if at.IsZero() {
		at = now
	}

	p, known := e.pending[ev.ExternalCallID]
	if !known && ev.Kind != models.EventEnded {
		p = &models.PendingCall{
			ExternalCallID: ev.ExternalCallID,
			FirstSeenAt:    now,
			StartTime:      at,
		}
		e.pending[ev.ExternalCallID] = p
		e.syncPending()
	}

	fields := eventFields(ev)
	if agent := e.resolveAgent(ctx, ev.AgentExtension); agent != nil {
		id := agent.ID
		fields.AgentID = &id
		fields.AgentName = agent.Name
	}
	if ev.Kind == models.EventCreated {
		fields.StartTime = at
	}
	if ev.Kind == models.EventEnded {
		end := at
		fields.EndTime = &end
	}

	if p != nil {
		p.LastKnownState = ev.State
		p.LastEvent = ev
		if ev.AgentExtension != "" {
			p.Extension = ev.AgentExtension
		}
		if ev.HuntGroup != "" {
			p.HuntGroup = ev.HuntGroup
		}
		if fields.AgentID != nil {
			p.AgentID = fields.AgentID
		}
		if ev.State == models.StateConnected {
			p.Answered = true
		}
		if fields.EndTime != nil {
			p.EndTime = fields.EndTime
		}
	}

	rowID, err := e.store.UpsertCall(ctx, fields)
	if err != nil {
		e.fail(fmt.Errorf("upsert call %s: %w", ev.ExternalCallID, err))
	} else if p != nil {
		p.CallRowID = rowID
	}

	e.afterEvent(ctx, ev, fields, rowID, at)

	// a matched continuation call is complete once the PBX reports its end
	if ev.Kind == models.EventEnded && p != nil && p.Matched {
		e.removePending(ev.ExternalCallID)
	}
}

// afterEvent writes the lifecycle row and agent state, then announces the change.
func (e *Engine) afterEvent(ctx context.Context, ev models.CallEvent, fields models.CallFields, rowID int64, at time.Time) {
	if lt, ok := LifecycleFor(ev.Kind, ev.State); ok {
		row := models.CallEventRow{
			CallRowID:      rowID,
			ExternalCallID: ev.ExternalCallID,
			Type:           lt,
			State:          ev.State,
			AgentExtension: ev.AgentExtension,
			OccurredAt:     at,
		}
		if err := e.store.InsertCallEvent(ctx, row); err != nil {
			e.fail(fmt.Errorf("insert %s event for %s: %w", lt, ev.ExternalCallID, err))
		}
	}

	if ev.AgentExtension != "" {
		if activity, ok := agentActivity(ev); ok {
			state := models.AgentState{
				Extension:      ev.AgentExtension,
				AgentID:        fields.AgentID,
				State:          activity,
				ExternalCallID: ev.ExternalCallID,
				UpdatedAt:      at,
			}
			if err := e.store.UpdateAgentState(ctx, state); err != nil {
				e.fail(fmt.Errorf("update agent %s: %w", ev.AgentExtension, err))
			}
		}
	}

	typ, _ := messageType(ev.Kind)
	e.publish(ctx, models.CallAnnouncement{
		Type:           typ,
		ExternalCallID: ev.ExternalCallID,
		CallRowID:      rowID,
		Source:         models.SourceRealtime,
		State:          ev.State,
		AgentExtension: ev.AgentExtension,
		HuntGroup:      ev.HuntGroup,
		Timestamp:      at,
	})
}

// onRecord reconciles a detail record: by call id first, then by start
// time and extension, otherwise it is stored on its own.
func (e *Engine) onRecord(ctx context.Context, rec models.DetailRecord) {
	id := smdr.CanonicalID(rec)
	if p, ok := e.pending[id]; ok {
		e.matchedRecord(ctx, p, rec, "call_id")
		return
	}
	if target, ok := e.legs[id]; ok {
		if p, ok := e.pending[target]; ok {
			e.matchedRecord(ctx, p, rec, "leg")
			return
		}
	}
	if p := e.policy.fallback(e.pending, rec); p != nil {
		e.matchedRecord(ctx, p, rec, "start_time")
		return
	}
	e.unmatchedRecord(ctx, rec)
}

func (e *Engine) matchedRecord(ctx context.Context, p *models.PendingCall, rec models.DetailRecord, by string) {
	now := e.cfg.Now()
	continuation := smdr.IsContinuation(rec)

	e.stats.matched.Add(1)
	if continuation {
		e.stats.continuations.Add(1)
	}
	if p.Legs == 0 {
		e.stats.observeLatency(now.Sub(p.FirstSeenAt))
	}

	fields := mergeRecord(p, rec)
	if continuation {
		addLeg(p, rec)
		p.Matched = true
		if id := smdr.CanonicalID(rec); id != p.ExternalCallID {
			e.legs[id] = p.ExternalCallID
		}
	} else {
		e.removePending(p.ExternalCallID)
	}

	e.log.WithFields(logrus.Fields{
		"call_id":      p.ExternalCallID,
		"record_id":    rec.CallID,
		"by":           by,
		"continuation": continuation,
		"duration":     fields.Duration,
	}).Debug("matched detail record")

	rowID, err := e.store.UpsertCall(ctx, fields)
	if err != nil {
		e.fail(fmt.Errorf("upsert matched call %s: %w", p.ExternalCallID, err))
	} else {
		p.CallRowID = rowID
	}

	if !continuation && fields.HuntGroup != "" && e.groups != nil {
		gs := e.groups.Record(fields.HuntGroup, fields.ConnectedDuration > 0,
			fields.RingDuration, fields.ConnectedDuration, fields.StartTime)
		if err := e.store.UpdateGroupStats(ctx, gs); err != nil {
			e.fail(fmt.Errorf("update group %s: %w", fields.HuntGroup, err))
		}
	}

	r := rec
	e.publish(ctx, models.CallAnnouncement{
		Type:           AnnounceMatched,
		ExternalCallID: p.ExternalCallID,
		CallRowID:      rowID,
		Source:         models.SourceMerged,
		State:          fields.State,
		Matched:        true,
		AgentExtension: fields.AgentExtension,
		HuntGroup:      fields.HuntGroup,
		Duration:       fields.Duration,
		Record:         &r,
		Timestamp:      now,
	})
}

func (e *Engine) unmatchedRecord(ctx context.Context, rec models.DetailRecord) {
	e.stats.unmatched.Add(1)

	fields := recordFields(smdr.CanonicalID(rec), rec)
	if agent := e.resolveAgent(ctx, fields.AgentExtension); agent != nil {
		id := agent.ID
		fields.AgentID = &id
		fields.AgentName = agent.Name
	}

	rowID, err := e.store.UpsertCall(ctx, fields)
	if err != nil {
		e.fail(fmt.Errorf("upsert unmatched call %s: %w", fields.ExternalCallID, err))
	}

	r := rec
	e.publish(ctx, models.CallAnnouncement{
		Type:           AnnounceUnmatched,
		ExternalCallID: fields.ExternalCallID,
		CallRowID:      rowID,
		Source:         models.SourceDetail,
		AgentExtension: fields.AgentExtension,
		Duration:       fields.Duration,
		Record:         &r,
		Timestamp:      e.cfg.Now(),
	})
}

// resolveAgent looks up ext in the directory. Synthetic placeholders and
// lookup failures yield nil.
func (e *Engine) resolveAgent(ctx context.Context, ext string) *models.Agent {
	if e.directory == nil || ext == "" {
		return nil
	}
	agent, err := e.directory.ResolveAgent(ctx, ext)
	if err != nil {
		e.fail(fmt.Errorf("resolve agent %s: %w", ext, err))
		return nil
	}
	if agent == nil || agent.Synthetic {
		return nil
	}
	return agent
}

func (e *Engine) publish(ctx context.Context, a models.CallAnnouncement) {
	a.ID = uuid.NewString()
	if err := e.publisher.PublishCall(ctx, a); err != nil {
		e.fail(fmt.Errorf("publish %s %s: %w", a.Type, a.ExternalCallID, err))
	}
}

func (e *Engine) fail(err error) {
	e.stats.setError(err, e.cfg.Now())
	e.log.WithError(err).Warn("correlation error")
}

func messageType(k models.EventKind) (string, bool) {
	switch k {
	case models.EventCreated:
		return TypeCallCreated, true
	case models.EventUpdated:
		return TypeCallUpdated, true
	case models.EventEnded:
		return TypeCallEnded, true
	}
	return "", false
}
