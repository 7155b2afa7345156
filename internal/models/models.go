package models

import (
	"time"
)

// CallState is the normalized state of a call as reported by the event stream
type CallState string

const (
	StateUnknown       CallState = "unknown"
	StateRinging       CallState = "ringing"
	StateConnected     CallState = "connected"
	StateHeld          CallState = "held"
	StateDisconnecting CallState = "disconnecting"
)

// Direction of a call relative to the PBX
type Direction string

const (
	DirectionUnknown  Direction = ""
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// EventKind says where in its lifecycle a CallEvent sits
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventEnded   EventKind = "ended"
)

// Party is one side of a call as described by the event stream
type Party struct {
	Device       string `json:"device"`
	Connected    bool   `json:"connected"`
	CallingNum   string `json:"calling_num,omitempty"`
	CalledNum    string `json:"called_num,omitempty"`
	RingCount    int    `json:"ring_count,omitempty"`
	DisconnCause int    `json:"disconnect_cause,omitempty"`
}

// CallEvent is one call-state change decoded from the real-time stream
type CallEvent struct {
	ExternalCallID string    `json:"external_call_id"`
	Kind           EventKind `json:"kind"`
	State          CallState `json:"state"`
	Direction      Direction `json:"direction"`
	CallerNumber   string    `json:"caller_number"`
	CalledNumber   string    `json:"called_number"`
	AgentExtension string    `json:"agent_extension,omitempty"`
	HuntGroup      string    `json:"hunt_group,omitempty"`
	Targets        []string  `json:"targets,omitempty"`
	Parties        []Party   `json:"parties,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// DetailRecord is one parsed detail-record line. Durations are in seconds.
type DetailRecord struct {
	CallID            int64     `json:"call_id"`
	CallStart         time.Time `json:"call_start"`
	ConnectedDuration int       `json:"connected_duration"`
	RingDuration      int       `json:"ring_duration"`
	HoldDuration      int       `json:"hold_duration"`
	ParkDuration      int       `json:"park_duration"`
	Direction         Direction `json:"direction"`
	CallerNumber      string    `json:"caller_number"`
	CalledNumber      string    `json:"called_number"`
	DialledNumber     string    `json:"dialled_number"`
	Account           string    `json:"account,omitempty"`
	IsInternal        bool      `json:"is_internal"`
	Continuation      int       `json:"continuation"`
	Party1Device      string    `json:"party1_device"`
	Party1Name        string    `json:"party1_name"`
	Party2Device      string    `json:"party2_device"`
	Party2Name        string    `json:"party2_name"`

	// Billing
	AuthValid              bool    `json:"auth_valid"`
	AuthCode               string  `json:"auth_code,omitempty"`
	UserCharged            string  `json:"user_charged,omitempty"`
	CallCharge             float64 `json:"call_charge"`
	Currency               string  `json:"currency,omitempty"`
	AmountAtLastUserChange float64 `json:"amount_at_last_user_change"`
	CallUnits              int     `json:"call_units"`
	UnitsAtLastUserChange  int     `json:"units_at_last_user_change"`
	CostPerUnit            int     `json:"cost_per_unit"`
	MarkUp                 int     `json:"mark_up"`
	ExternalTargetingCause string  `json:"external_targeting_cause,omitempty"`
	ExternalTargeterID     string  `json:"external_targeter_id,omitempty"`
	ExternalTargetedNumber string  `json:"external_targeted_number,omitempty"`

	// R11 trailing fields, empty on older firmware
	CallingPartyServerIP string     `json:"calling_party_server_ip,omitempty"`
	CallerUniqueCallID   string     `json:"caller_unique_call_id,omitempty"`
	CalledPartyServerIP  string     `json:"called_party_server_ip,omitempty"`
	CalledUniqueCallID   string     `json:"called_unique_call_id,omitempty"`
	RecordTime           *time.Time `json:"record_time,omitempty"`
}

// PendingCall is a call seen on the event stream and not yet reconciled
type PendingCall struct {
	ExternalCallID string
	FirstSeenAt    time.Time
	LastKnownState CallState
	Extension      string
	AgentID        *int64
	HuntGroup      string
	StartTime      time.Time
	EndTime        *time.Time
	Answered       bool
	// Matched is set once a continuation leg has been reconciled; the entry
	// stays until the final leg or the end of the call
	Matched   bool
	CallRowID int64
	LastEvent CallEvent

	// totals of the continuation legs matched so far, in seconds
	Legs             int
	ConnectedSeconds int
	RingSeconds      int
	HoldSeconds      int
	ParkSeconds      int
}

// Agent is an entry of the agent directory. Synthetic agents are placeholders
// manufactured from an extension number and must not count as a directory match.
type Agent struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Extension string `json:"extension"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

// CallSource records which feed(s) contributed to a persisted call
type CallSource string

const (
	SourceRealtime CallSource = "realtime"
	SourceDetail   CallSource = "detail"
	SourceMerged   CallSource = "merged"
)

// CallFields is the persisted view of a call. Zero values mean "unknown" and
// do not overwrite what is already stored.
type CallFields struct {
	ExternalCallID    string
	Source            CallSource
	State             CallState
	Direction         Direction
	CallerNumber      string
	CalledNumber      string
	DialledNumber     string
	AgentID           *int64
	AgentName         string
	AgentExtension    string
	HuntGroup         string
	StartTime         time.Time
	EndTime           *time.Time
	Duration          int
	ConnectedDuration int
	RingDuration      int
	HoldDuration      int
	ParkDuration      int
	IsInternal        bool
	Matched           bool
	Continuation      bool
	Account           string
	AuthCode          string
	CallCharge        float64
	Currency          string
	CallUnits         int
}

// LifecycleType is the type of a row in the call event history
type LifecycleType string

const (
	LifecycleInitiated LifecycleType = "initiated"
	LifecycleRinging   LifecycleType = "ringing"
	LifecycleAnswered  LifecycleType = "answered"
	LifecycleHeld      LifecycleType = "held"
	LifecycleCompleted LifecycleType = "completed"
)

// CallEventRow is one row of the call lifecycle history
type CallEventRow struct {
	CallRowID      int64
	ExternalCallID string
	Type           LifecycleType
	State          CallState
	AgentExtension string
	OccurredAt     time.Time
}

// AgentState is the last known activity of an agent extension
type AgentState struct {
	Extension      string
	AgentID        *int64
	State          string
	ExternalCallID string
	UpdatedAt      time.Time
}

// GroupStats tracks hunt-group performance
type GroupStats struct {
	Group          string
	TotalCalls     int64
	AnsweredCalls  int64
	AbandonedCalls int64
	AvgRingSeconds float64
	AvgTalkSeconds float64
	LastCallTime   time.Time
}

// CallRecord is a persisted call as listed by operators
type CallRecord struct {
	ID             int64
	ExternalCallID string
	Source         string
	State          string
	Direction      string
	CallerNumber   string
	CalledNumber   string
	AgentExtension string
	HuntGroup      string
	StartTime      time.Time
	Duration       int
	Matched        bool
}

// CallAnnouncement is published downstream whenever a call changes or is reconciled
type CallAnnouncement struct {
	ID             string        `json:"id"`
	Type           string        `json:"type"`
	ExternalCallID string        `json:"external_call_id"`
	CallRowID      int64         `json:"call_row_id,omitempty"`
	Source         CallSource    `json:"source"`
	State          CallState     `json:"state,omitempty"`
	Matched        bool          `json:"matched"`
	AgentExtension string        `json:"agent_extension,omitempty"`
	HuntGroup      string        `json:"hunt_group,omitempty"`
	Duration       int           `json:"duration,omitempty"`
	Record         *DetailRecord `json:"record,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}
