package devlink

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSession(t *testing.T) *AuthSession {
	t.Helper()
	s := NewAuthSession("devlink", "secret", []Tuple{{Key: "vendor", Value: "calldoc-sim"}})
	s.random = bytes.NewReader(bytes.Repeat([]byte{0xAB}, challengeLen))
	return s
}

func TestChallengeDigestPadsPassword(t *testing.T) {
	challenge := bytes.Repeat([]byte{0x01}, challengeLen)

	want := sha1.Sum(append(append([]byte(nil), challenge...),
		's', 'e', 'c', 'r', 'e', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0))
	assert.Equal(t, want, ChallengeDigest(challenge, "secret"))
}

func TestChallengeDigestTruncatesPassword(t *testing.T) {
	challenge := bytes.Repeat([]byte{0x02}, challengeLen)
	assert.Equal(t,
		ChallengeDigest(challenge, "0123456789abcdef"),
		ChallengeDigest(challenge, "0123456789abcdefEXTRA"))
	assert.NotEqual(t,
		ChallengeDigest(challenge, "0123456789abcde"),
		ChallengeDigest(challenge, "0123456789abcdef"))
}

func TestAuthSessionSuccess(t *testing.T) {
	s := fixedSession(t)
	assert.Equal(t, PhaseAwaitingUsername, s.Phase())

	resp, err := s.Handle(AuthRequest{Stage: AuthStageUsername, Payload: []byte("devlink")})
	require.NoError(t, err)
	require.Equal(t, AuthChallenge, resp.Result)
	require.Len(t, resp.Challenge, challengeLen)
	assert.Equal(t, PhaseAwaitingChallengeResponse, s.Phase())

	digest := ChallengeDigest(resp.Challenge, "secret")
	resp, err = s.Handle(AuthRequest{Stage: AuthStageDigest, Payload: digest[:]})
	require.NoError(t, err)
	assert.Equal(t, AuthPass, resp.Result)
	assert.Equal(t, []Tuple{{Key: "vendor", Value: "calldoc-sim"}}, resp.Tuples)
	assert.True(t, s.Authenticated())
}

func TestAuthSessionFailures(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong username", "intruder", "secret"},
		{"wrong password", "devlink", "guess"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := fixedSession(t)

			resp, err := s.Handle(AuthRequest{Stage: AuthStageUsername, Payload: []byte(tt.username)})
			require.NoError(t, err)
			if resp.Result == AuthFail {
				assert.False(t, s.Authenticated())
				assert.Equal(t, PhaseAwaitingUsername, s.Phase())
				return
			}

			digest := ChallengeDigest(resp.Challenge, tt.password)
			resp, err = s.Handle(AuthRequest{Stage: AuthStageDigest, Payload: digest[:]})
			require.NoError(t, err)
			assert.Equal(t, AuthFail, resp.Result)
			assert.False(t, s.Authenticated())
			assert.Equal(t, PhaseAwaitingUsername, s.Phase())
		})
	}
}

func TestAuthSessionDigestBeforeUsername(t *testing.T) {
	s := fixedSession(t)
	resp, err := s.Handle(AuthRequest{Stage: AuthStageDigest, Payload: make([]byte, digestLen)})
	require.NoError(t, err)
	assert.Equal(t, AuthFail, resp.Result)
	assert.False(t, s.Authenticated())
}

func TestAuthResponseEncoding(t *testing.T) {
	tests := []AuthResponse{
		{Result: AuthFail},
		{Result: AuthChallenge, Challenge: bytes.Repeat([]byte{7}, challengeLen)},
		{Result: AuthPass, Tuples: []Tuple{{Key: "vendor", Value: "Avaya"}, {Key: "version", Value: "11.1"}}},
	}

	for _, want := range tests {
		t.Run(want.Result.String(), func(t *testing.T) {
			got, err := ParseAuthResponse(want.MarshalBinary())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseAuthResponseErrors(t *testing.T) {
	_, err := ParseAuthResponse([]byte{0, 0})
	assert.ErrorIs(t, err, ErrFrameTooShort)

	// challenge with a short nonce
	_, err = ParseAuthResponse([]byte{0, 0, 0, 2, 0, 0, 0, 16, 1, 2, 3})
	assert.ErrorIs(t, err, ErrFrameTooShort)

	// pass without tuples is accepted
	resp, err := ParseAuthResponse([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, AuthPass, resp.Result)
}

func TestEventRequestResponseEncoding(t *testing.T) {
	want := EventRequestResponse{Result: AuthPass, Flags: "-CallDelta3 -CMExtn"}
	got, err := ParseEventRequestResponse(want.MarshalBinary())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
