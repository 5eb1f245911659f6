package grant

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte("k"), MinKeySize)

func newTestSigner(t *testing.T) (*Signer, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewSigner(testKey, WithClock(clock))
	require.NoError(t, err)
	return s, clock
}

func TestNewSigner_RejectsShortKey(t *testing.T) {
	_, err := NewSigner([]byte("short"))
	require.Error(t, err)
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	s, clock := newTestSigner(t)

	token, expiresAt, err := s.Issue(map[string]any{"sub": "admin", "n": 3}, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Minute), expiresAt)
	assert.Equal(t, 1, strings.Count(token, "."))

	claims, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims["sub"])
	exp, ok := int64Claim(claims, claimExpires)
	require.True(t, ok)
	assert.Equal(t, expiresAt.UnixMilli(), exp)
}

func TestIssue_RejectsNonPositiveTTL(t *testing.T) {
	s, _ := newTestSigner(t)
	_, _, err := s.Issue(nil, 0)
	require.Error(t, err)
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	ttls := []time.Duration{2 * time.Second, time.Minute, 10 * time.Minute}
	for _, ttl := range ttls {
		t.Run(ttl.String(), func(t *testing.T) {
			s, clock := newTestSigner(t)
			token, _, err := s.Issue(map[string]any{"sub": "admin"}, ttl)
			require.NoError(t, err)

			clock.Advance(ttl - time.Second)
			_, err = s.Verify(token)
			require.NoError(t, err, "grant must verify one second before expiry")

			clock.Advance(time.Second)
			_, err = s.Verify(token)
			require.ErrorIs(t, err, ErrInvalid, "grant must not verify at expiry")

			clock.Advance(time.Second)
			_, err = s.Verify(token)
			require.ErrorIs(t, err, ErrInvalid, "grant must not verify after expiry")
		})
	}
}

func TestVerify_SingleByteTamper(t *testing.T) {
	s, _ := newTestSigner(t)
	token, _, err := s.Issue(map[string]any{"sub": "admin", "scope": "avatar-1"}, time.Minute)
	require.NoError(t, err)

	payloadPart, macPart, _ := strings.Cut(token, ".")
	payload, err := encoding.DecodeString(payloadPart)
	require.NoError(t, err)
	mac, err := encoding.DecodeString(macPart)
	require.NoError(t, err)

	for i := range payload {
		tampered := bytes.Clone(payload)
		tampered[i] ^= 0x01
		forged := encoding.EncodeToString(tampered) + "." + macPart
		_, err := s.Verify(forged)
		require.ErrorIs(t, err, ErrInvalid, "payload byte %d", i)
	}
	for i := range mac {
		tampered := bytes.Clone(mac)
		tampered[i] ^= 0x80
		forged := payloadPart + "." + encoding.EncodeToString(tampered)
		_, err := s.Verify(forged)
		require.ErrorIs(t, err, ErrInvalid, "mac byte %d", i)
	}
}

func TestVerify_SingleCharacterTamper(t *testing.T) {
	s, _ := newTestSigner(t)
	token, _, err := s.Issue(map[string]any{"sub": "admin"}, time.Minute)
	require.NoError(t, err)

	for i := range token {
		if token[i] == '.' {
			continue
		}
		replacement := byte('A')
		if token[i] == 'A' {
			replacement = 'B'
		}
		forged := token[:i] + string(replacement) + token[i+1:]
		_, err := s.Verify(forged)
		require.ErrorIs(t, err, ErrInvalid, "position %d", i)
	}
}

func TestVerify_MalformedCollapsesToInvalid(t *testing.T) {
	s, _ := newTestSigner(t)
	valid, _, err := s.Issue(map[string]any{"sub": "admin"}, time.Minute)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":          "",
		"no separator":   "abc",
		"empty payload":  ".abc",
		"empty mac":      "abc.",
		"extra segment":  valid + ".x",
		"bad base64":     "!!!.###",
		"not json":       encoding.EncodeToString([]byte("nope")) + "." + encoding.EncodeToString(bytes.Repeat([]byte{1}, 32)),
		"padded base64":  valid + "==",
		"whitespace":     " " + valid,
		"other key used": issueWithKey(t, bytes.Repeat([]byte("z"), MinKeySize)),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(token)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestVerify_MissingExpiryIsInvalid(t *testing.T) {
	s, _ := newTestSigner(t)
	raw := []byte(`{"sub":"admin"}`)
	mac, err := s.sign(raw)
	require.NoError(t, err)

	_, err = s.Verify(encoding.EncodeToString(raw) + "." + encoding.EncodeToString(mac))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestIssueGrant_VerifyGrant(t *testing.T) {
	s, clock := newTestSigner(t)

	token, g, err := s.IssueGrant("admin", "avatar-1", 10*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, clock.Now().UnixMilli(), g.IssuedAt.UnixMilli())
	assert.Equal(t, clock.Now().Add(10*time.Minute).UnixMilli(), g.ExpiresAt.UnixMilli())

	got, err := s.VerifyGrant(token)
	require.NoError(t, err)
	assert.Equal(t, g.ID, got.ID)
	assert.Equal(t, "admin", got.SubjectID)
	assert.Equal(t, "avatar-1", got.ScopeID)
	assert.True(t, got.Authorizes("avatar-1"))
	assert.False(t, got.Authorizes("avatar-2"))
	assert.Equal(t, 10*time.Minute, got.Remaining(clock.Now()))

	clock.Advance(11 * time.Minute)
	assert.Equal(t, time.Duration(0), got.Remaining(clock.Now()))
	_, err = s.VerifyGrant(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestIssueGrant_UnscopedAuthorizesAll(t *testing.T) {
	s, _ := newTestSigner(t)
	token, _, err := s.IssueGrant("admin", "", time.Minute)
	require.NoError(t, err)

	g, err := s.VerifyGrant(token)
	require.NoError(t, err)
	assert.Empty(t, g.ScopeID)
	assert.True(t, g.Authorizes("anything"))
}

func TestVerifyGrant_RequiresSubject(t *testing.T) {
	s, _ := newTestSigner(t)
	token, _, err := s.Issue(map[string]any{"scope": "a", "jti": "5f0c7a6e-3c1d-4a8e-9b52-0d4f1e2a7c11"}, time.Minute)
	require.NoError(t, err)

	_, err = s.VerifyGrant(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyGrant_RequiresID(t *testing.T) {
	s, _ := newTestSigner(t)
	token, _, err := s.Issue(map[string]any{"sub": "admin", "jti": "grant-1"}, time.Minute)
	require.NoError(t, err)

	_, err = s.VerifyGrant(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func issueWithKey(t *testing.T, key []byte) string {
	t.Helper()
	other, err := NewSigner(key)
	require.NoError(t, err)
	token, _, err := other.Issue(map[string]any{"sub": "admin"}, time.Hour)
	require.NoError(t, err)
	return token
}
