// Package smdr parses and formats PBX station message detail records: one
// comma-separated line per call leg, delivered over a plain TCP stream.
package smdr

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tacos8me/calldoc/internal/models"
)

// ErrNoRecord is returned for lines that are not detail records: too few
// fields or a direction other than I or O.
var ErrNoRecord = errors.New("smdr: not a detail record")

// TimeLayout is the call start and record time format.
const TimeLayout = "2006/01/02 15:04:05"

const (
	minFields  = 10
	baseFields = 30
	r11Fields  = 35
)

// Field positions, zero based.
const (
	fCallStart = iota
	fConnectedTime
	fRingTime
	fCaller
	fDirection
	fCalledNumber
	fDialledNumber
	fAccount
	fIsInternal
	fCallID
	fContinuation
	fParty1Device
	fParty1Name
	fParty2Device
	fParty2Name
	fHoldTime
	fParkTime
	fAuthValid
	fAuthCode
	fUserCharged
	fCallCharge
	fCurrency
	fAmountAtLastUserChange
	fCallUnits
	fUnitsAtLastUserChange
	fCostPerUnit
	fMarkUp
	fExternalTargetingCause
	fExternalTargeterID
	fExternalTargetedNumber
	fCallingPartyServerIP
	fCallerUniqueCallID
	fCalledPartyServerIP
	fCalledUniqueCallID
	fRecordTime
)

// Parse decodes one line. loc is the PBX's local time zone; nil means UTC.
// Unparseable numbers and durations become zero rather than failing the line.
func Parse(line string, loc *time.Location) (models.DetailRecord, error) {
	if loc == nil {
		loc = time.UTC
	}
	line = strings.TrimLeft(line, "\x00")
	line = strings.TrimRight(line, "\r\n")

	r := csv.NewReader(strings.NewReader(line))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return models.DetailRecord{}, fmt.Errorf("%w: %v", ErrNoRecord, err)
	}
	if len(fields) < minFields {
		return models.DetailRecord{}, fmt.Errorf("%w: %d fields", ErrNoRecord, len(fields))
	}

	var dir models.Direction
	switch fields[fDirection] {
	case "I":
		dir = models.DirectionInbound
	case "O":
		dir = models.DirectionOutbound
	default:
		return models.DetailRecord{}, fmt.Errorf("%w: direction %q", ErrNoRecord, fields[fDirection])
	}

	get := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	rec := models.DetailRecord{
		CallID:            parseInt64(get(fCallID)),
		CallStart:         parseTime(get(fCallStart), loc),
		ConnectedDuration: ParseDuration(get(fConnectedTime)),
		RingDuration:      ParseDuration(get(fRingTime)),
		HoldDuration:      ParseDuration(get(fHoldTime)),
		ParkDuration:      ParseDuration(get(fParkTime)),
		Direction:         dir,
		CallerNumber:      get(fCaller),
		CalledNumber:      get(fCalledNumber),
		DialledNumber:     get(fDialledNumber),
		Account:           get(fAccount),
		IsInternal:        get(fIsInternal) == "1",
		Continuation:      parseInt(get(fContinuation)),
		Party1Device:      get(fParty1Device),
		Party1Name:        get(fParty1Name),
		Party2Device:      get(fParty2Device),
		Party2Name:        get(fParty2Name),

		AuthValid:              get(fAuthValid) == "1",
		AuthCode:               get(fAuthCode),
		UserCharged:            get(fUserCharged),
		CallCharge:             parseFloat(get(fCallCharge)),
		Currency:               get(fCurrency),
		AmountAtLastUserChange: parseFloat(get(fAmountAtLastUserChange)),
		CallUnits:              parseInt(get(fCallUnits)),
		UnitsAtLastUserChange:  parseInt(get(fUnitsAtLastUserChange)),
		CostPerUnit:            parseInt(get(fCostPerUnit)),
		MarkUp:                 parseInt(get(fMarkUp)),
		ExternalTargetingCause: get(fExternalTargetingCause),
		ExternalTargeterID:     get(fExternalTargeterID),
		ExternalTargetedNumber: get(fExternalTargetedNumber),

		CallingPartyServerIP: get(fCallingPartyServerIP),
		CallerUniqueCallID:   get(fCallerUniqueCallID),
		CalledPartyServerIP:  get(fCalledPartyServerIP),
		CalledUniqueCallID:   get(fCalledUniqueCallID),
	}
	if t := parseTime(get(fRecordTime), loc); !t.IsZero() {
		rec.RecordTime = &t
	}

	return rec, nil
}

// ParseDuration accepts HH:MM:SS, MM:SS or plain seconds. Anything else is 0.
func ParseDuration(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if !strings.Contains(s, ":") {
		return nonNegative(parseInt(s))
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

// FormatDuration renders seconds as HH:MM:SS. Hours are not wrapped.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}

// TotalDuration is connected + ring + hold + park time in seconds.
func TotalDuration(r models.DetailRecord) int {
	return r.ConnectedDuration + r.RingDuration + r.HoldDuration + r.ParkDuration
}

// IsContinuation reports whether more records follow for the same call id.
func IsContinuation(r models.DetailRecord) bool {
	return r.Continuation == 1
}

// CanonicalID is the call id in the form the event stream uses.
func CanonicalID(r models.DetailRecord) string {
	return strconv.FormatInt(r.CallID, 10)
}

// ResolvedExtension is the first extension found among the two parties.
func ResolvedExtension(r models.DetailRecord) string {
	if ext := models.ExtensionFromDevice(r.Party1Device); ext != "" {
		return ext
	}
	return models.ExtensionFromDevice(r.Party2Device)
}

func parseTime(s string, loc *time.Location) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(TimeLayout, s, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
