package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacos8me/calldoc/internal/models"
)

var t0 = time.Date(2026, 3, 4, 10, 15, 2, 0, time.UTC)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return New(sqlDB, nil), mock
}

func TestCreateTables(t *testing.T) {
	d, mock := newMock(t)
	for _, table := range []string{"calls", "call_events", "agents", "agent_states", "group_stats"} {
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS " + table + " (")).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, d.CreateTables(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCallMerged(t *testing.T) {
	d, mock := newMock(t)
	agentID := int64(7)
	end := t0.Add(207 * time.Second)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO calls (")).
		WithArgs(
			"12345", "merged", "connected", "inbound",
			"01632960001", "200", "",
			int64(7), "Alice Smith", "201", "Sales",
			t0, end,
			207, 185, 7, 12, 3,
			false, true, false,
			"", "", 0.0, "", 0,
		).
		WillReturnResult(sqlmock.NewResult(42, 2))

	id, err := d.UpsertCall(context.Background(), models.CallFields{
		ExternalCallID:    "12345",
		Source:            models.SourceMerged,
		State:             models.StateConnected,
		Direction:         models.DirectionInbound,
		CallerNumber:      "01632960001",
		CalledNumber:      "200",
		AgentID:           &agentID,
		AgentName:         "Alice Smith",
		AgentExtension:    "201",
		HuntGroup:         "Sales",
		StartTime:         t0,
		EndTime:           &end,
		Duration:          207,
		ConnectedDuration: 185,
		RingDuration:      7,
		HoldDuration:      12,
		ParkDuration:      3,
		Matched:           true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCallNullsUnknowns(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE")).
		WithArgs(
			"9", "realtime", "ringing", "",
			"", "", "",
			nil, "", "", "",
			nil, nil,
			0, 0, 0, 0, 0,
			false, false, false,
			"", "", 0.0, "", 0,
		).
		WillReturnResult(sqlmock.NewResult(3, 1))

	id, err := d.UpsertCall(context.Background(), models.CallFields{
		ExternalCallID: "9",
		Source:         models.SourceRealtime,
		State:          models.StateRinging,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCallErrors(t *testing.T) {
	d, mock := newMock(t)

	_, err := d.UpsertCall(context.Background(), models.CallFields{})
	assert.Error(t, err)

	mock.ExpectExec("INSERT INTO calls").WillReturnError(errors.New("deadlock"))
	_, err = d.UpsertCall(context.Background(), models.CallFields{ExternalCallID: "1", Source: models.SourceDetail})
	assert.EqualError(t, err, "deadlock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCallQueryMergesSource(t *testing.T) {
	assert.Contains(t, upsertCallQuery, "id = LAST_INSERT_ID(id)")
	assert.Contains(t, upsertCallQuery, "source = IF(VALUES(source) = '' OR source = VALUES(source), source, 'merged')")
}

func TestInsertCallEvent(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO call_events")).
		WithArgs(int64(0), "12345", "12345", "answered", "connected", "201", t0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := d.InsertCallEvent(context.Background(), models.CallEventRow{
		ExternalCallID: "12345",
		Type:           models.LifecycleAnswered,
		State:          models.StateConnected,
		AgentExtension: "201",
		OccurredAt:     t0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAgentState(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_states")).
		WithArgs("201", nil, "busy", "12345", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.UpdateAgentState(context.Background(), models.AgentState{
		Extension:      "201",
		State:          "busy",
		ExternalCallID: "12345",
		UpdatedAt:      t0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupStatsRoundTrip(t *testing.T) {
	d, mock := newMock(t)
	gs := models.GroupStats{
		Group:          "Sales",
		TotalCalls:     3,
		AnsweredCalls:  2,
		AbandonedCalls: 1,
		AvgRingSeconds: 12.5,
		AvgTalkSeconds: 90,
		LastCallTime:   t0,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO group_stats")).
		WithArgs("Sales", int64(3), int64(2), int64(1), 12.5, 90.0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, d.UpdateGroupStats(context.Background(), gs))

	rows := sqlmock.NewRows([]string{"group_name", "total_calls", "answered_calls", "abandoned_calls",
		"avg_ring_seconds", "avg_talk_seconds", "last_call_time"}).
		AddRow("Sales", 3, 2, 1, 12.5, 90.0, t0).
		AddRow("Support", 0, 0, 0, 0.0, 0.0, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM group_stats")).WillReturnRows(rows)

	loaded, err := d.LoadGroupStats(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, gs, loaded[0])
	assert.True(t, loaded[1].LastCallTime.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentCalls(t *testing.T) {
	d, mock := newMock(t)
	matched := true

	rows := sqlmock.NewRows([]string{"id", "external_call_id", "source", "state", "direction",
		"caller_number", "called_number", "agent_extension", "hunt_group", "start_time", "duration", "matched"}).
		AddRow(2, "12345", "merged", "connected", "inbound", "01632960001", "200", "201", "Sales", t0, 207, true)
	mock.ExpectQuery(regexp.QuoteMeta("FROM calls WHERE source = ? AND matched = ? ORDER BY start_time DESC, id DESC LIMIT ?")).
		WithArgs("merged", true, 10).
		WillReturnRows(rows)

	calls, err := d.RecentCalls(context.Background(), CallFilter{Limit: 10, Source: "merged", Matched: &matched})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "12345", calls[0].ExternalCallID)
	assert.Equal(t, 207, calls[0].Duration)
	assert.True(t, calls[0].Matched)
	assert.Equal(t, t0, calls[0].StartTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentCallsDefaultLimit(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM calls ORDER BY")).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	calls, err := d.RecentCalls(context.Background(), CallFilter{})
	require.NoError(t, err)
	assert.Empty(t, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeRejectsBadDSN(t *testing.T) {
	_, err := Initialize(context.Background(), "not a dsn", nil)
	assert.Error(t, err)

	_, err = Initialize(context.Background(), "root:pw@tcp(localhost:3306)/", nil)
	assert.ErrorContains(t, err, "no database name")
}
