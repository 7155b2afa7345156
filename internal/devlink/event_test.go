package devlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacos8me/calldoc/internal/models"
)

var received = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func TestDecodeEventInbound(t *testing.T) {
	body := []byte(`<Delta3 record="Call" change="New">` +
		`<Call State="1" CallID="12345" TargetGroup="Sales" Stamp="1772618400"/>` +
		`<PartyA Name="T9001" Connected="1" CallingNum="01632960001" CalledNum="200" RingCount="0"/>` +
		`<PartyB Name="E201" Connected="0" RingCount="2" DiscCause="0"/>` +
		`<Target_list><Target Name="E201"/><Target Name="E202"/></Target_list>` +
		`</Delta3>` + "\x00\x00")

	ev, err := DecodeEvent(body, received)
	require.NoError(t, err)

	assert.Equal(t, "12345", ev.ExternalCallID)
	assert.Equal(t, models.EventCreated, ev.Kind)
	assert.Equal(t, models.StateRinging, ev.State)
	assert.Equal(t, models.DirectionInbound, ev.Direction)
	assert.Equal(t, "01632960001", ev.CallerNumber)
	assert.Equal(t, "200", ev.CalledNumber)
	assert.Equal(t, "201", ev.AgentExtension)
	assert.Equal(t, "Sales", ev.HuntGroup)
	assert.Equal(t, []string{"E201", "E202"}, ev.Targets)
	assert.Equal(t, time.Unix(1772618400, 0), ev.Timestamp)
	require.Len(t, ev.Parties, 2)
	assert.True(t, ev.Parties[0].Connected)
	assert.Equal(t, 2, ev.Parties[1].RingCount)
}

func TestDecodeEventOutbound(t *testing.T) {
	body := []byte(`<Delta3 record="Call" change="Change">` +
		`<Call State="Connected" CallID="77"/>` +
		`<PartyA Name="E305" Connected="1" CalledNum="9015550100"/>` +
		`<PartyB Name="T9002" Connected="1"/>` +
		`</Delta3>`)

	ev, err := DecodeEvent(body, received)
	require.NoError(t, err)

	assert.Equal(t, models.EventUpdated, ev.Kind)
	assert.Equal(t, models.StateConnected, ev.State)
	assert.Equal(t, models.DirectionOutbound, ev.Direction)
	assert.Equal(t, "305", ev.AgentExtension)
	assert.Equal(t, "9015550100", ev.CalledNumber)
	assert.Equal(t, received, ev.Timestamp)
}

func TestDecodeEventNoExtension(t *testing.T) {
	body := []byte(`<Delta3 record="Call" change="Delete">` +
		`<Call State="3" CallID="9"/>` +
		`<PartyA Name="T9001"/><PartyB Name="V1"/>` +
		`</Delta3>`)

	ev, err := DecodeEvent(body, received)
	require.NoError(t, err)
	assert.Equal(t, models.EventEnded, ev.Kind)
	assert.Equal(t, models.StateDisconnecting, ev.State)
	assert.Empty(t, ev.AgentExtension)
}

func TestDecodeEventErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not xml", `<<garbage`, ErrMalformedEvent},
		{"empty", ``, ErrMalformedEvent},
		{"no call element", `<Delta3 record="Call" change="New"/>`, ErrMalformedEvent},
		{"unknown change", `<Delta3 record="Call" change="Sideways"><Call CallID="1"/></Delta3>`, ErrMalformedEvent},
		{"missing call id", `<Delta3 record="Call" change="New"><Call State="1"/></Delta3>`, ErrMalformedEvent},
		{"other record", `<Delta3 record="Detail" change="New"><Call CallID="1"/></Delta3>`, ErrIgnoredRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.body), received)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseState(t *testing.T) {
	tests := map[string]models.CallState{
		"1":             models.StateRinging,
		"2":             models.StateConnected,
		"3":             models.StateDisconnecting,
		"4":             models.StateHeld,
		"6":             models.StateConnected,
		"10":            models.StateRinging,
		"12":            models.StateHeld,
		"0":             models.StateUnknown,
		"99":            models.StateUnknown,
		"Ringing":       models.StateRinging,
		"HELD":          models.StateHeld,
		"Disconnecting": models.StateDisconnecting,
		"":              models.StateUnknown,
		"bogus":         models.StateUnknown,
	}

	for in, want := range tests {
		assert.Equal(t, want, ParseState(in), "state %q", in)
	}
}

func TestEncodeEventDecodes(t *testing.T) {
	ev := models.CallEvent{
		ExternalCallID: "12345",
		Kind:           models.EventUpdated,
		State:          models.StateHeld,
		Direction:      models.DirectionInbound,
		CallerNumber:   "01632960001",
		CalledNumber:   "200",
		AgentExtension: "201",
		HuntGroup:      "Sales",
		Targets:        []string{"E201"},
		Parties: []models.Party{
			{Device: "T9001", Connected: true},
			{Device: "E201", Connected: true, RingCount: 3},
		},
		Timestamp: time.Unix(1772618400, 0),
	}

	body, err := EncodeEvent(ev)
	require.NoError(t, err)

	got, err := DecodeEvent(body, received)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}
