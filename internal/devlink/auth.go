package devlink

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Auth packet stages.
const (
	AuthStageUsername uint32 = 0x01
	AuthStageDigest   uint32 = 0x50
)

const (
	challengeLen = 16
	passwordLen  = 16
	digestLen    = sha1.Size
)

var (
	// ErrAuthFailed is returned when the PBX rejects the username or digest.
	// It ends the connection attempt; the caller decides when to retry.
	ErrAuthFailed = errors.New("devlink: authentication failed")

	// ErrFrameTooShort is returned when a frame body is shorter than its type requires.
	ErrFrameTooShort = errors.New("devlink: frame body too short")
)

// AuthResult is the first word of an AuthResponse body.
type AuthResult uint32

const (
	AuthPass      AuthResult = 0
	AuthFail      AuthResult = 1
	AuthChallenge AuthResult = 2
)

func (r AuthResult) String() string {
	switch r {
	case AuthPass:
		return "Pass"
	case AuthFail:
		return "Fail"
	case AuthChallenge:
		return "Challenge"
	default:
		return fmt.Sprintf("AuthResult(%d)", uint32(r))
	}
}

// Tuple is a key/value pair the server returns on successful login,
// e.g. vendor and firmware version.
type Tuple struct {
	Key   string
	Value string
}

// AuthRequest is the body of an Auth frame.
type AuthRequest struct {
	Stage   uint32
	Payload []byte
}

func (r AuthRequest) MarshalBinary() []byte {
	buf := make([]byte, 4+len(r.Payload))
	binary.BigEndian.PutUint32(buf, r.Stage)
	copy(buf[4:], r.Payload)
	return buf
}

func ParseAuthRequest(body []byte) (AuthRequest, error) {
	if len(body) < 4 {
		return AuthRequest{}, ErrFrameTooShort
	}
	return AuthRequest{
		Stage:   binary.BigEndian.Uint32(body),
		Payload: append([]byte(nil), body[4:]...),
	}, nil
}

// AuthResponse is the body of an AuthResponse frame.
type AuthResponse struct {
	Result    AuthResult
	Challenge []byte
	Tuples    []Tuple
}

func (r AuthResponse) MarshalBinary() []byte {
	buf := binary.BigEndian.AppendUint32(nil, uint32(r.Result))
	switch r.Result {
	case AuthChallenge:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Challenge)))
		buf = append(buf, r.Challenge...)
	case AuthPass:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Tuples)))
		for _, t := range r.Tuples {
			buf = appendString16(buf, t.Key)
			buf = appendString16(buf, t.Value)
		}
	}
	return buf
}

func ParseAuthResponse(body []byte) (AuthResponse, error) {
	if len(body) < 4 {
		return AuthResponse{}, ErrFrameTooShort
	}
	resp := AuthResponse{Result: AuthResult(binary.BigEndian.Uint32(body))}
	rest := body[4:]

	switch resp.Result {
	case AuthChallenge:
		if len(rest) < 4 {
			return resp, ErrFrameTooShort
		}
		n := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		if n != challengeLen || len(rest) < n {
			return resp, fmt.Errorf("devlink: bad challenge length %d: %w", n, ErrFrameTooShort)
		}
		resp.Challenge = append([]byte(nil), rest[:n]...)
	case AuthPass:
		// tuples are informational; older firmware omits them
		if len(rest) < 4 {
			return resp, nil
		}
		count := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		for i := 0; i < count; i++ {
			var t Tuple
			var err error
			if t.Key, rest, err = readString16(rest); err != nil {
				return resp, err
			}
			if t.Value, rest, err = readString16(rest); err != nil {
				return resp, err
			}
			resp.Tuples = append(resp.Tuples, t)
		}
	}
	return resp, nil
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString16(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", b, ErrFrameTooShort
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", b, ErrFrameTooShort
	}
	return string(b[:n]), b[n:], nil
}

// ChallengeDigest computes SHA1(challenge || password), with the password
// zero-padded or truncated to 16 bytes.
func ChallengeDigest(challenge []byte, password string) [digestLen]byte {
	var pw [passwordLen]byte
	copy(pw[:], password)

	h := sha1.New()
	h.Write(challenge)
	h.Write(pw[:])

	var sum [digestLen]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// AuthPhase is the server-side login progress of one connection.
type AuthPhase int

const (
	PhaseAwaitingUsername AuthPhase = iota
	PhaseAwaitingChallengeResponse
	PhaseAuthenticated
)

func (p AuthPhase) String() string {
	switch p {
	case PhaseAwaitingUsername:
		return "awaiting_username"
	case PhaseAwaitingChallengeResponse:
		return "awaiting_challenge_response"
	case PhaseAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// AuthSession is the server side of the login exchange. It belongs to exactly
// one connection and is not safe for concurrent use.
type AuthSession struct {
	username  string
	password  string
	tuples    []Tuple
	random    io.Reader
	phase     AuthPhase
	challenge [challengeLen]byte
}

// NewAuthSession creates a session expecting the given credentials. tuples
// are returned to the client on success.
func NewAuthSession(username, password string, tuples []Tuple) *AuthSession {
	return &AuthSession{
		username: username,
		password: password,
		tuples:   tuples,
		random:   rand.Reader,
	}
}

func (s *AuthSession) Phase() AuthPhase { return s.phase }

// Authenticated reports whether the digest has been accepted.
func (s *AuthSession) Authenticated() bool { return s.phase == PhaseAuthenticated }

// Handle advances the exchange with one Auth request and returns the reply.
// A failure puts the session back to awaiting a username.
func (s *AuthSession) Handle(req AuthRequest) (AuthResponse, error) {
	switch {
	case s.phase == PhaseAwaitingUsername && req.Stage == AuthStageUsername:
		if string(req.Payload) != s.username {
			return AuthResponse{Result: AuthFail}, nil
		}
		if _, err := io.ReadFull(s.random, s.challenge[:]); err != nil {
			return AuthResponse{Result: AuthFail}, fmt.Errorf("failed to generate challenge: %w", err)
		}
		s.phase = PhaseAwaitingChallengeResponse
		return AuthResponse{
			Result:    AuthChallenge,
			Challenge: append([]byte(nil), s.challenge[:]...),
		}, nil

	case s.phase == PhaseAwaitingChallengeResponse && req.Stage == AuthStageDigest:
		want := ChallengeDigest(s.challenge[:], s.password)
		if subtle.ConstantTimeCompare(want[:], req.Payload) != 1 {
			s.reset()
			return AuthResponse{Result: AuthFail}, nil
		}
		s.phase = PhaseAuthenticated
		return AuthResponse{Result: AuthPass, Tuples: s.tuples}, nil

	default:
		s.reset()
		return AuthResponse{Result: AuthFail}, nil
	}
}

func (s *AuthSession) reset() {
	s.phase = PhaseAwaitingUsername
	s.challenge = [challengeLen]byte{}
}

// subscription bodies

// EventRequestResponse is the body of an EventRequestResponse frame.
type EventRequestResponse struct {
	Result AuthResult
	Flags  string
}

func (r EventRequestResponse) MarshalBinary() []byte {
	buf := binary.BigEndian.AppendUint32(nil, uint32(r.Result))
	return append(buf, r.Flags...)
}

func ParseEventRequestResponse(body []byte) (EventRequestResponse, error) {
	if len(body) < 4 {
		return EventRequestResponse{}, ErrFrameTooShort
	}
	return EventRequestResponse{
		Result: AuthResult(binary.BigEndian.Uint32(body)),
		Flags:  string(body[4:]),
	}, nil
}
