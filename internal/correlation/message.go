package correlation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tacos8me/calldoc/internal/models"
)

// Message type tags carried in the envelope.
const (
	TypeCallCreated     = "call.created"
	TypeCallUpdated     = "call.updated"
	TypeCallEnded       = "call.ended"
	TypeRecordAvailable = "record.available"
)

var (
	// ErrUnknownMessage is returned for envelopes with an unrecognized type tag.
	ErrUnknownMessage = errors.New("correlation: unknown message type")

	// ErrMalformedMessage is returned for envelopes that do not decode.
	ErrMalformedMessage = errors.New("correlation: malformed message")
)

// Envelope is the serialized form of every inbound message.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Message is one decoded inbound message: CallCreated, CallUpdated,
// CallEnded or RecordAvailable.
type Message interface {
	message()
}

type CallCreated struct{ Event models.CallEvent }
type CallUpdated struct{ Event models.CallEvent }
type CallEnded struct{ Event models.CallEvent }
type RecordAvailable struct{ Record models.DetailRecord }

func (CallCreated) message()     {}
func (CallUpdated) message()     {}
func (CallEnded) message()       {}
func (RecordAvailable) message() {}

// Decode parses an envelope into its message. The envelope type wins over
// any kind carried in the payload.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case TypeCallCreated, TypeCallUpdated, TypeCallEnded:
		var ev models.CallEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Type, err)
		}
		if ev.ExternalCallID == "" {
			return nil, fmt.Errorf("%w: %s without external call id", ErrMalformedMessage, env.Type)
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = env.Timestamp
		}
		switch env.Type {
		case TypeCallCreated:
			ev.Kind = models.EventCreated
			return CallCreated{Event: ev}, nil
		case TypeCallUpdated:
			ev.Kind = models.EventUpdated
			return CallUpdated{Event: ev}, nil
		default:
			ev.Kind = models.EventEnded
			return CallEnded{Event: ev}, nil
		}

	case TypeRecordAvailable:
		var rec models.DetailRecord
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Type, err)
		}
		if rec.CallID <= 0 {
			return nil, fmt.Errorf("%w: %s without call id", ErrMalformedMessage, env.Type)
		}
		if rec.Direction != models.DirectionInbound && rec.Direction != models.DirectionOutbound {
			return nil, fmt.Errorf("%w: %s direction %q", ErrMalformedMessage, env.Type, rec.Direction)
		}
		return RecordAvailable{Record: rec}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// EncodeCallEvent wraps ev in an envelope typed by its kind.
func EncodeCallEvent(ev models.CallEvent) ([]byte, error) {
	typ, ok := messageType(ev.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: event kind %q", ErrUnknownMessage, ev.Kind)
	}
	return encode(typ, ev.Timestamp, ev)
}

// EncodeRecord wraps rec in a record.available envelope.
func EncodeRecord(rec models.DetailRecord) ([]byte, error) {
	return encode(TypeRecordAvailable, time.Now(), rec)
}

func encode(typ string, ts time.Time, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: ts.UTC(),
		Payload:   raw,
	})
}
