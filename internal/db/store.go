package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tacos8me/calldoc/internal/models"
)

// upsertCallQuery inserts a call or merges into the existing row. Empty
// strings, zero numbers and NULL times leave stored values alone; the
// source becomes 'merged' once both feeds have written the row.
// LAST_INSERT_ID(id) makes the row id available on update too.
const upsertCallQuery = `
	INSERT INTO calls (
		external_call_id, source, state, direction,
		caller_number, called_number, dialled_number,
		agent_id, agent_name, agent_extension, hunt_group,
		start_time, end_time,
		duration, connected_duration, ring_duration, hold_duration, park_duration,
		is_internal, matched, continuation,
		account, auth_code, call_charge, currency, call_units)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		id = LAST_INSERT_ID(id),
		source = IF(VALUES(source) = '' OR source = VALUES(source), source, 'merged'),
		state = COALESCE(NULLIF(VALUES(state), ''), state),
		direction = COALESCE(NULLIF(VALUES(direction), ''), direction),
		caller_number = COALESCE(NULLIF(VALUES(caller_number), ''), caller_number),
		called_number = COALESCE(NULLIF(VALUES(called_number), ''), called_number),
		dialled_number = COALESCE(NULLIF(VALUES(dialled_number), ''), dialled_number),
		agent_id = COALESCE(VALUES(agent_id), agent_id),
		agent_name = COALESCE(NULLIF(VALUES(agent_name), ''), agent_name),
		agent_extension = COALESCE(NULLIF(VALUES(agent_extension), ''), agent_extension),
		hunt_group = COALESCE(NULLIF(VALUES(hunt_group), ''), hunt_group),
		start_time = COALESCE(VALUES(start_time), start_time),
		end_time = COALESCE(VALUES(end_time), end_time),
		duration = IF(VALUES(duration) > 0, VALUES(duration), duration),
		connected_duration = IF(VALUES(connected_duration) > 0, VALUES(connected_duration), connected_duration),
		ring_duration = IF(VALUES(ring_duration) > 0, VALUES(ring_duration), ring_duration),
		hold_duration = IF(VALUES(hold_duration) > 0, VALUES(hold_duration), hold_duration),
		park_duration = IF(VALUES(park_duration) > 0, VALUES(park_duration), park_duration),
		is_internal = is_internal OR VALUES(is_internal),
		matched = matched OR VALUES(matched),
		continuation = IF(VALUES(source) = 'realtime', continuation, VALUES(continuation)),
		account = COALESCE(NULLIF(VALUES(account), ''), account),
		auth_code = COALESCE(NULLIF(VALUES(auth_code), ''), auth_code),
		call_charge = IF(VALUES(call_charge) <> 0, VALUES(call_charge), call_charge),
		currency = COALESCE(NULLIF(VALUES(currency), ''), currency),
		call_units = IF(VALUES(call_units) > 0, VALUES(call_units), call_units)`

// UpsertCall creates or merges the call keyed by its external id and
// returns the row id.
func (d *DB) UpsertCall(ctx context.Context, f models.CallFields) (int64, error) {
	if f.ExternalCallID == "" {
		return 0, fmt.Errorf("upsert call: empty external call id")
	}

	var agentID sql.NullInt64
	if f.AgentID != nil {
		agentID = sql.NullInt64{Int64: *f.AgentID, Valid: true}
	}

	result, err := d.ExecContext(ctx, upsertCallQuery,
		f.ExternalCallID, string(f.Source), string(f.State), string(f.Direction),
		f.CallerNumber, f.CalledNumber, f.DialledNumber,
		agentID, f.AgentName, f.AgentExtension, f.HuntGroup,
		nullTime(f.StartTime), nullTimePtr(f.EndTime),
		f.Duration, f.ConnectedDuration, f.RingDuration, f.HoldDuration, f.ParkDuration,
		f.IsInternal, f.Matched, f.Continuation,
		f.Account, f.AuthCode, f.CallCharge, f.Currency, f.CallUnits,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// InsertCallEvent appends a lifecycle row. A zero row id is resolved from
// the external id.
func (d *DB) InsertCallEvent(ctx context.Context, row models.CallEventRow) error {
	query := `
		INSERT INTO call_events (call_id, external_call_id, event_type, state, agent_extension, occurred_at)
		VALUES (COALESCE(NULLIF(?, 0), (SELECT id FROM calls WHERE external_call_id = ?)), ?, ?, ?, ?, ?)`

	_, err := d.ExecContext(ctx, query,
		row.CallRowID, row.ExternalCallID,
		row.ExternalCallID, string(row.Type), string(row.State), row.AgentExtension, row.OccurredAt)
	return err
}

func (d *DB) UpdateAgentState(ctx context.Context, s models.AgentState) error {
	query := `
		INSERT INTO agent_states (extension, agent_id, state, external_call_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			agent_id = COALESCE(VALUES(agent_id), agent_id),
			state = VALUES(state),
			external_call_id = VALUES(external_call_id),
			updated_at = VALUES(updated_at)`

	var agentID sql.NullInt64
	if s.AgentID != nil {
		agentID = sql.NullInt64{Int64: *s.AgentID, Valid: true}
	}
	_, err := d.ExecContext(ctx, query, s.Extension, agentID, s.State, s.ExternalCallID, s.UpdatedAt)
	return err
}

func (d *DB) UpdateGroupStats(ctx context.Context, gs models.GroupStats) error {
	query := `
		INSERT INTO group_stats (group_name, total_calls, answered_calls, abandoned_calls,
			avg_ring_seconds, avg_talk_seconds, last_call_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			total_calls = VALUES(total_calls),
			answered_calls = VALUES(answered_calls),
			abandoned_calls = VALUES(abandoned_calls),
			avg_ring_seconds = VALUES(avg_ring_seconds),
			avg_talk_seconds = VALUES(avg_talk_seconds),
			last_call_time = VALUES(last_call_time)`

	_, err := d.ExecContext(ctx, query, gs.Group, gs.TotalCalls, gs.AnsweredCalls, gs.AbandonedCalls,
		gs.AvgRingSeconds, gs.AvgTalkSeconds, nullTime(gs.LastCallTime))
	return err
}

// LoadGroupStats returns every persisted group, used to seed the tracker.
func (d *DB) LoadGroupStats(ctx context.Context) ([]models.GroupStats, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT group_name, total_calls, answered_calls, abandoned_calls,
			avg_ring_seconds, avg_talk_seconds, last_call_time
		FROM group_stats
		ORDER BY group_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GroupStats
	for rows.Next() {
		var gs models.GroupStats
		var last sql.NullTime
		if err := rows.Scan(&gs.Group, &gs.TotalCalls, &gs.AnsweredCalls, &gs.AbandonedCalls,
			&gs.AvgRingSeconds, &gs.AvgTalkSeconds, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			gs.LastCallTime = last.Time
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}

// CallFilter narrows RecentCalls. Zero values match everything.
type CallFilter struct {
	Limit   int
	Source  string
	Matched *bool
}

// RecentCalls lists persisted calls, newest first.
func (d *DB) RecentCalls(ctx context.Context, f CallFilter) ([]models.CallRecord, error) {
	var where []string
	var args []any
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.Matched != nil {
		where = append(where, "matched = ?")
		args = append(args, *f.Matched)
	}

	query := `SELECT id, external_call_id, source, COALESCE(state, ''), COALESCE(direction, ''),
		COALESCE(caller_number, ''), COALESCE(called_number, ''), COALESCE(agent_extension, ''),
		COALESCE(hunt_group, ''), start_time, duration, matched
		FROM calls`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY start_time DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []models.CallRecord
	for rows.Next() {
		var c models.CallRecord
		var start sql.NullTime
		if err := rows.Scan(&c.ID, &c.ExternalCallID, &c.Source, &c.State, &c.Direction,
			&c.CallerNumber, &c.CalledNumber, &c.AgentExtension, &c.HuntGroup,
			&start, &c.Duration, &c.Matched); err != nil {
			return nil, err
		}
		if start.Valid {
			c.StartTime = start.Time
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}
