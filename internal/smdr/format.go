package smdr

import (
	"encoding/csv"
	"strconv"
	"strings"
	"time"

	"github.com/tacos8me/calldoc/internal/models"
)

// Format renders r as a detail-record line without the line terminator.
// The R11 trailing fields are written only when one of them is set.
func Format(r models.DetailRecord, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}

	dir := ""
	switch r.Direction {
	case models.DirectionInbound:
		dir = "I"
	case models.DirectionOutbound:
		dir = "O"
	}

	start := ""
	if !r.CallStart.IsZero() {
		start = r.CallStart.In(loc).Format(TimeLayout)
	}

	fields := []string{
		start,
		FormatDuration(r.ConnectedDuration),
		strconv.Itoa(r.RingDuration),
		r.CallerNumber,
		dir,
		r.CalledNumber,
		r.DialledNumber,
		r.Account,
		boolField(r.IsInternal),
		strconv.FormatInt(r.CallID, 10),
		strconv.Itoa(r.Continuation),
		r.Party1Device,
		r.Party1Name,
		r.Party2Device,
		r.Party2Name,
		strconv.Itoa(r.HoldDuration),
		strconv.Itoa(r.ParkDuration),
		boolField(r.AuthValid),
		r.AuthCode,
		r.UserCharged,
		strconv.FormatFloat(r.CallCharge, 'f', 2, 64),
		r.Currency,
		strconv.FormatFloat(r.AmountAtLastUserChange, 'f', 2, 64),
		strconv.Itoa(r.CallUnits),
		strconv.Itoa(r.UnitsAtLastUserChange),
		strconv.Itoa(r.CostPerUnit),
		strconv.Itoa(r.MarkUp),
		r.ExternalTargetingCause,
		r.ExternalTargeterID,
		r.ExternalTargetedNumber,
	}

	if hasR11(r) {
		recordTime := ""
		if r.RecordTime != nil {
			recordTime = r.RecordTime.In(loc).Format(TimeLayout)
		}
		fields = append(fields,
			r.CallingPartyServerIP,
			r.CallerUniqueCallID,
			r.CalledPartyServerIP,
			r.CalledUniqueCallID,
			recordTime,
		)
	}

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	_ = w.Write(fields)
	w.Flush()
	return strings.TrimRight(sb.String(), "\r\n")
}

func hasR11(r models.DetailRecord) bool {
	return r.CallingPartyServerIP != "" || r.CallerUniqueCallID != "" ||
		r.CalledPartyServerIP != "" || r.CalledUniqueCallID != "" || r.RecordTime != nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
