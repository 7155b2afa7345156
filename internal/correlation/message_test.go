package correlation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacos8me/calldoc/internal/models"
)

func TestDecodeCallEvents(t *testing.T) {
	for kind, want := range map[models.EventKind]Message{
		models.EventCreated: CallCreated{},
		models.EventUpdated: CallUpdated{},
		models.EventEnded:   CallEnded{},
	} {
		ev := models.CallEvent{
			ExternalCallID: "12345",
			Kind:           kind,
			State:          models.StateRinging,
			AgentExtension: "201",
			Timestamp:      t0,
		}
		data, err := EncodeCallEvent(ev)
		require.NoError(t, err)

		msg, err := Decode(data)
		require.NoError(t, err)
		assert.IsType(t, want, msg)
	}
}

func TestDecodeTypeWinsOverPayloadKind(t *testing.T) {
	payload, err := json.Marshal(models.CallEvent{ExternalCallID: "1", Kind: models.EventEnded})
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{ID: "x", Type: TypeCallUpdated, Timestamp: t0, Payload: payload})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	upd, ok := msg.(CallUpdated)
	require.True(t, ok)
	assert.Equal(t, models.EventUpdated, upd.Event.Kind)
	// missing event time falls back to the envelope's
	assert.True(t, upd.Event.Timestamp.Equal(t0))
}

func TestDecodeRecord(t *testing.T) {
	rec := detailRecord(12345, t0)
	data, err := EncodeRecord(rec)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	got, ok := msg.(RecordAvailable)
	require.True(t, ok)
	assert.Equal(t, int64(12345), got.Record.CallID)
	assert.True(t, got.Record.CallStart.Equal(t0))
	assert.Equal(t, 185, got.Record.ConnectedDuration)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", `{`, ErrMalformedMessage},
		{"unknown type", `{"type":"call.exploded","payload":{}}`, ErrUnknownMessage},
		{"missing type", `{"payload":{}}`, ErrUnknownMessage},
		{"event without id", `{"type":"call.created","payload":{"state":"ringing"}}`, ErrMalformedMessage},
		{"bad event payload", `{"type":"call.updated","payload":[1,2]}`, ErrMalformedMessage},
		{"bad record payload", `{"type":"record.available","payload":"x"}`, ErrMalformedMessage},
		{"empty record", `{"type":"record.available","payload":{}}`, ErrMalformedMessage},
		{"record with zero call id", `{"type":"record.available","payload":{"call_id":0,"direction":"inbound"}}`, ErrMalformedMessage},
		{"record with negative call id", `{"type":"record.available","payload":{"call_id":-4,"direction":"outbound"}}`, ErrMalformedMessage},
		{"record without direction", `{"type":"record.available","payload":{"call_id":12345}}`, ErrMalformedMessage},
		{"record with unknown direction", `{"type":"record.available","payload":{"call_id":12345,"direction":"sideways"}}`, ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeCallEventRejectsUnknownKind(t *testing.T) {
	_, err := EncodeCallEvent(models.CallEvent{ExternalCallID: "1", Kind: "paused"})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestEnvelopeHasIDAndTime(t *testing.T) {
	data, err := EncodeCallEvent(models.CallEvent{ExternalCallID: "1", Kind: models.EventCreated})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Len(t, env.ID, 36)
	assert.Equal(t, TypeCallCreated, env.Type)
	assert.WithinDuration(t, time.Now(), env.Timestamp, time.Minute)
}
