package devlink

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tacos8me/calldoc/internal/models"
)

var (
	// ErrMalformedEvent marks an event body that cannot be turned into a CallEvent.
	ErrMalformedEvent = errors.New("devlink: malformed event")

	// ErrIgnoredRecord marks a well-formed Delta3 body that does not describe a call.
	ErrIgnoredRecord = errors.New("devlink: not a call record")
)

type delta3 struct {
	XMLName xml.Name    `xml:"Delta3"`
	Record  string      `xml:"record,attr"`
	Change  string      `xml:"change,attr"`
	Call    *xmlCall    `xml:"Call"`
	PartyA  *xmlParty   `xml:"PartyA"`
	PartyB  *xmlParty   `xml:"PartyB"`
	Targets []xmlTarget `xml:"Target_list>Target"`
}

type xmlCall struct {
	State       string `xml:"State,attr"`
	CallID      string `xml:"CallID,attr"`
	TargetGroup string `xml:"TargetGroup,attr"`
	Direction   string `xml:"Direction,attr"`
	Stamp       string `xml:"Stamp,attr"`
	CallingNum  string `xml:"CallingNum,attr"`
	CalledNum   string `xml:"CalledNum,attr"`
}

type xmlParty struct {
	Name       string `xml:"Name,attr"`
	Connected  string `xml:"Connected,attr"`
	Dir        string `xml:"Dir,attr"`
	CallingNum string `xml:"CallingNum,attr"`
	CalledNum  string `xml:"CalledNum,attr"`
	RingCount  string `xml:"RingCount,attr"`
	DiscCause  string `xml:"DiscCause,attr"`
}

type xmlTarget struct {
	Name string `xml:"Name,attr"`
}

// DecodeEvent turns the body of an Event frame into a CallEvent. received is
// used as the timestamp when the body carries none.
func DecodeEvent(body []byte, received time.Time) (models.CallEvent, error) {
	body = bytes.TrimRight(body, "\x00")

	var d delta3
	if err := xml.Unmarshal(body, &d); err != nil {
		return models.CallEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if d.Record != "" && !strings.EqualFold(d.Record, "Call") {
		return models.CallEvent{}, fmt.Errorf("%w: %s", ErrIgnoredRecord, d.Record)
	}
	if d.Call == nil {
		return models.CallEvent{}, fmt.Errorf("%w: missing Call element", ErrMalformedEvent)
	}

	kind, ok := parseChange(d.Change)
	if !ok {
		return models.CallEvent{}, fmt.Errorf("%w: unknown change %q", ErrMalformedEvent, d.Change)
	}
	callID := strings.TrimSpace(d.Call.CallID)
	if callID == "" {
		return models.CallEvent{}, fmt.Errorf("%w: missing CallID", ErrMalformedEvent)
	}

	ev := models.CallEvent{
		ExternalCallID: callID,
		Kind:           kind,
		State:          ParseState(d.Call.State),
		HuntGroup:      strings.TrimSpace(d.Call.TargetGroup),
		CallerNumber:   d.Call.CallingNum,
		CalledNumber:   d.Call.CalledNum,
		Timestamp:      received,
	}
	if stamp := atoi(d.Call.Stamp); stamp > 0 {
		ev.Timestamp = time.Unix(int64(stamp), 0)
	}

	for _, p := range []*xmlParty{d.PartyA, d.PartyB} {
		if p == nil {
			continue
		}
		ev.Parties = append(ev.Parties, models.Party{
			Device:       p.Name,
			Connected:    parseBool(p.Connected),
			CallingNum:   p.CallingNum,
			CalledNum:    p.CalledNum,
			RingCount:    atoi(p.RingCount),
			DisconnCause: atoi(p.DiscCause),
		})
	}
	for _, t := range d.Targets {
		if t.Name != "" {
			ev.Targets = append(ev.Targets, t.Name)
		}
	}

	ev.Direction = parseDirection(d.Call.Direction)
	if ev.Direction == models.DirectionUnknown {
		ev.Direction = inferDirection(ev.Parties)
	}
	if ev.CallerNumber == "" && len(ev.Parties) > 0 {
		ev.CallerNumber = ev.Parties[0].CallingNum
	}
	if ev.CalledNumber == "" && len(ev.Parties) > 0 {
		ev.CalledNumber = ev.Parties[0].CalledNum
	}
	ev.AgentExtension = agentExtension(ev.Direction, ev.Parties)

	return ev, nil
}

// ParseState maps a DevLink call state, numeric or named, to a CallState.
func ParseState(s string) models.CallState {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		switch n {
		case 1, 7, 8, 9, 10, 13:
			return models.StateRinging
		case 2, 6:
			return models.StateConnected
		case 3:
			return models.StateDisconnecting
		case 4, 5, 11, 12:
			return models.StateHeld
		default:
			return models.StateUnknown
		}
	}

	switch strings.ToLower(s) {
	case "ringing", "alerting", "dialling", "dialing", "queued":
		return models.StateRinging
	case "connected", "answered":
		return models.StateConnected
	case "held", "hold", "parked":
		return models.StateHeld
	case "disconnecting", "disconnected", "cleared":
		return models.StateDisconnecting
	default:
		return models.StateUnknown
	}
}

func parseChange(s string) (models.EventKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new":
		return models.EventCreated, true
	case "change":
		return models.EventUpdated, true
	case "delete":
		return models.EventEnded, true
	default:
		return "", false
	}
}

func parseDirection(s string) models.Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "i", "in", "inbound", "incoming":
		return models.DirectionInbound
	case "o", "out", "outbound", "outgoing":
		return models.DirectionOutbound
	default:
		return models.DirectionUnknown
	}
}

// inferDirection derives the direction from which side the trunk is on.
func inferDirection(parties []models.Party) models.Direction {
	if len(parties) == 0 {
		return models.DirectionUnknown
	}
	a := models.ClassifyDevice(parties[0].Device)
	if a == models.DeviceTrunk {
		return models.DirectionInbound
	}
	if len(parties) > 1 && a == models.DeviceExtension &&
		models.ClassifyDevice(parties[1].Device) == models.DeviceTrunk {
		return models.DirectionOutbound
	}
	return models.DirectionUnknown
}

// agentExtension picks the extension handling the call: the answering side
// for inbound calls, the originating side otherwise.
func agentExtension(dir models.Direction, parties []models.Party) string {
	order := make([]models.Party, 0, len(parties))
	if dir == models.DirectionInbound {
		for i := len(parties) - 1; i >= 0; i-- {
			order = append(order, parties[i])
		}
	} else {
		order = append(order, parties...)
	}
	for _, p := range order {
		if ext := models.ExtensionFromDevice(p.Device); ext != "" {
			return ext
		}
	}
	return ""
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "y", "yes":
		return true
	default:
		return false
	}
}

// EncodeEvent renders ev as a Delta3 body, the inverse of DecodeEvent.
func EncodeEvent(ev models.CallEvent) ([]byte, error) {
	d := delta3{
		Record: "Call",
		Change: changeName(ev.Kind),
		Call: &xmlCall{
			State:       strconv.Itoa(stateCode(ev.State)),
			CallID:      ev.ExternalCallID,
			TargetGroup: ev.HuntGroup,
			Direction:   directionCode(ev.Direction),
			CallingNum:  ev.CallerNumber,
			CalledNum:   ev.CalledNumber,
		},
	}
	if d.Change == "" {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, ev.Kind)
	}
	if !ev.Timestamp.IsZero() {
		d.Call.Stamp = strconv.FormatInt(ev.Timestamp.Unix(), 10)
	}

	for i, p := range ev.Parties {
		xp := &xmlParty{
			Name:       p.Device,
			CallingNum: p.CallingNum,
			CalledNum:  p.CalledNum,
			RingCount:  strconv.Itoa(p.RingCount),
			DiscCause:  strconv.Itoa(p.DisconnCause),
			Connected:  "0",
		}
		if p.Connected {
			xp.Connected = "1"
		}
		switch i {
		case 0:
			d.PartyA = xp
		case 1:
			d.PartyB = xp
		}
	}
	for _, t := range ev.Targets {
		d.Targets = append(d.Targets, xmlTarget{Name: t})
	}

	return xml.Marshal(d)
}

func changeName(k models.EventKind) string {
	switch k {
	case models.EventCreated:
		return "New"
	case models.EventUpdated:
		return "Change"
	case models.EventEnded:
		return "Delete"
	default:
		return ""
	}
}

func stateCode(s models.CallState) int {
	switch s {
	case models.StateRinging:
		return 1
	case models.StateConnected:
		return 2
	case models.StateDisconnecting:
		return 3
	case models.StateHeld:
		return 4
	default:
		return 0
	}
}

func directionCode(d models.Direction) string {
	switch d {
	case models.DirectionInbound:
		return "I"
	case models.DirectionOutbound:
		return "O"
	default:
		return ""
	}
}
