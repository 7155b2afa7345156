// Package devlink implements the PBX real-time event protocol: length-prefixed
// binary framing, the challenge-response login, event subscription and the
// decoding of call events.
package devlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic starts every frame.
const Magic byte = 0x49

const (
	// headerLen is magic + uint16 length
	headerLen = 3
	// fixedLen is the smallest valid frame: header + packet type + request id
	fixedLen = headerLen + 4 + 4
	// MaxFrameLen is the largest length the uint16 length field can declare
	MaxFrameLen = 0xFFFF
)

// PacketType identifies the frame payload.
type PacketType uint32

const (
	PacketTest                 PacketType = 0x002A0001
	PacketTestAck              PacketType = 0x802A0001
	PacketAuth                 PacketType = 0x00300001
	PacketAuthResponse         PacketType = 0x80300001
	PacketEventRequest         PacketType = 0x00300011
	PacketEventRequestResponse PacketType = 0x80300011
	PacketEvent                PacketType = 0x10300011
)

func (t PacketType) String() string {
	switch t {
	case PacketTest:
		return "Test"
	case PacketTestAck:
		return "TestAck"
	case PacketAuth:
		return "Auth"
	case PacketAuthResponse:
		return "AuthResponse"
	case PacketEventRequest:
		return "EventRequest"
	case PacketEventRequestResponse:
		return "EventRequestResponse"
	case PacketEvent:
		return "Event"
	default:
		return fmt.Sprintf("PacketType(0x%08X)", uint32(t))
	}
}

var ErrFrameTooLarge = errors.New("devlink: frame exceeds maximum length")

// Frame is one decoded protocol frame.
type Frame struct {
	Type      PacketType
	RequestID uint32
	Body      []byte
}

// Len is the wire size of the frame including the header.
func (f Frame) Len() int {
	return fixedLen + len(f.Body)
}

// MarshalBinary encodes the frame for the wire.
func (f Frame) MarshalBinary() ([]byte, error) {
	n := f.Len()
	if n > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	buf[0] = Magic
	binary.BigEndian.PutUint16(buf[1:3], uint16(n))
	binary.BigEndian.PutUint32(buf[3:7], uint32(f.Type))
	binary.BigEndian.PutUint32(buf[7:11], f.RequestID)
	copy(buf[fixedLen:], f.Body)
	return buf, nil
}

// Framer reassembles frames from an arbitrarily chunked byte stream. Feed it
// with Write and drain complete frames with Next; it never blocks. Bytes that
// do not start a frame are discarded up to the next magic byte.
type Framer struct {
	buf       []byte
	discarded uint64
}

// Write appends stream bytes. It never fails.
func (f *Framer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, or false if more bytes are needed.
func (f *Framer) Next() (Frame, bool) {
	for {
		i := bytes.IndexByte(f.buf, Magic)
		if i < 0 {
			f.discard(len(f.buf))
			return Frame{}, false
		}
		f.discard(i)

		if len(f.buf) < headerLen {
			return Frame{}, false
		}
		n := int(binary.BigEndian.Uint16(f.buf[1:3]))
		if n < fixedLen {
			// not a real header; resume scanning after this magic byte
			f.discard(1)
			continue
		}
		if len(f.buf) < n {
			return Frame{}, false
		}

		frame := Frame{
			Type:      PacketType(binary.BigEndian.Uint32(f.buf[3:7])),
			RequestID: binary.BigEndian.Uint32(f.buf[7:11]),
			Body:      append([]byte(nil), f.buf[fixedLen:n]...),
		}
		f.consume(n)
		return frame, true
	}
}

// Buffered is the number of bytes waiting for the rest of a frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Discarded is the total number of bytes skipped while resynchronizing.
func (f *Framer) Discarded() uint64 { return f.discarded }

func (f *Framer) discard(n int) {
	if n == 0 {
		return
	}
	f.discarded += uint64(n)
	f.consume(n)
}

func (f *Framer) consume(n int) {
	rest := len(f.buf) - n
	if rest == 0 {
		f.buf = f.buf[:0]
		return
	}
	// keep the live tail at the front so the buffer does not creep forward
	copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}
