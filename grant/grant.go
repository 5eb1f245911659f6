// Package grant issues and verifies short-lived unlock grants.
//
// A token is base64url(payload) "." base64url(HMAC-SHA256(key, payload)).
// The payload is a JSON object carrying an absolute expiry in epoch
// milliseconds under the "exp" key. Verification never reports why a token
// was rejected: malformed, forged and expired tokens all yield ErrInvalid.
package grant

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/avatarkey/internal/util"
	"github.com/jmcleod/avatarkey/internal/uuid"
)

// ErrInvalid is the only verification failure.
var ErrInvalid = errors.New("invalid grant")

// MinKeySize is the shortest accepted signing secret.
const MinKeySize = 32

const (
	claimID      = "jti"
	claimSubject = "sub"
	claimScope   = "scope"
	claimIssued  = "iat"
	claimExpires = "exp"
)

var encoding = base64.RawURLEncoding.Strict()

// Signer mints and verifies grants with a process-wide secret.
type Signer struct {
	key   *memguard.Enclave
	clock clockwork.Clock
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Signer) {
		s.clock = c
	}
}

// NewSigner seals a copy of secret into an enclave. The caller may wipe
// secret after this returns.
func NewSigner(secret []byte, opts ...Option) (*Signer, error) {
	if len(secret) < MinKeySize {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinKeySize, len(secret))
	}
	s := &Signer{
		key:   memguard.NewEnclave(util.CopyBytes(secret)),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue serializes payload with an absolute expiry of now+ttl and signs it.
// The "iat" and "exp" keys are owned by the signer and overwritten.
func (s *Signer) Issue(payload map[string]any, ttl time.Duration) (string, time.Time, error) {
	token, _, expiresAt, err := s.issue(payload, ttl)
	return token, expiresAt, err
}

func (s *Signer) issue(payload map[string]any, ttl time.Duration) (string, time.Time, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, time.Time{}, fmt.Errorf("grant ttl must be positive")
	}
	now := s.clock.Now()
	expiresAt := now.Add(ttl)

	claims := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		claims[k] = v
	}
	claims[claimIssued] = now.UnixMilli()
	claims[claimExpires] = expiresAt.UnixMilli()

	raw, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, time.Time{}, fmt.Errorf("marshal grant payload: %w", err)
	}
	mac, err := s.sign(raw)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	return encoding.EncodeToString(raw) + "." + encoding.EncodeToString(mac), now, expiresAt, nil
}

// Verify checks the MAC in constant time and then the expiry, returning the
// decoded payload. Every failure is ErrInvalid.
func (s *Signer) Verify(token string) (map[string]any, error) {
	payloadPart, macPart, ok := strings.Cut(token, ".")
	if !ok || payloadPart == "" || macPart == "" || strings.Contains(macPart, ".") {
		return nil, ErrInvalid
	}
	raw, err := encoding.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrInvalid
	}
	got, err := encoding.DecodeString(macPart)
	if err != nil {
		return nil, ErrInvalid
	}
	want, err := s.sign(raw)
	if err != nil {
		return nil, ErrInvalid
	}
	if !hmac.Equal(got, want) {
		return nil, ErrInvalid
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, ErrInvalid
	}
	exp, ok := int64Claim(claims, claimExpires)
	if !ok {
		return nil, ErrInvalid
	}
	if s.clock.Now().UnixMilli() >= exp {
		return nil, ErrInvalid
	}
	return claims, nil
}

func (s *Signer) sign(raw []byte) ([]byte, error) {
	key, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening signing key: %w", err)
	}
	defer key.Destroy()
	m := hmac.New(sha256.New, key.Bytes())
	m.Write(raw)
	return m.Sum(nil), nil
}

func int64Claim(claims map[string]any, name string) (int64, bool) {
	n, ok := claims[name].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Grant is the typed unlock grant carried inside a token.
type Grant struct {
	ID        string
	SubjectID string
	// ScopeID is empty for a grant that is not bound to a single avatar.
	ScopeID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Authorizes reports whether the grant permits writes to the given avatar.
func (g Grant) Authorizes(avatarID string) bool {
	return g.ScopeID == "" || g.ScopeID == avatarID
}

// Remaining returns the time left before expiry, clamped at zero.
func (g Grant) Remaining(now time.Time) time.Duration {
	d := g.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IssueGrant mints a token for subjectID, optionally bound to scopeID.
func (s *Signer) IssueGrant(subjectID, scopeID string, ttl time.Duration) (string, Grant, error) {
	id := uuid.New()
	var scope any
	if scopeID != "" {
		scope = scopeID
	}
	token, issuedAt, expiresAt, err := s.issue(map[string]any{
		claimID:      id,
		claimSubject: subjectID,
		claimScope:   scope,
	}, ttl)
	if err != nil {
		return "", Grant{}, err
	}
	g := Grant{
		ID:        id,
		SubjectID: subjectID,
		ScopeID:   scopeID,
		IssuedAt:  time.UnixMilli(issuedAt.UnixMilli()),
		ExpiresAt: time.UnixMilli(expiresAt.UnixMilli()),
	}
	return token, g, nil
}

// VerifyGrant verifies token and decodes it into a Grant.
func (s *Signer) VerifyGrant(token string) (Grant, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return Grant{}, err
	}
	subject, _ := claims[claimSubject].(string)
	id, _ := claims[claimID].(string)
	if subject == "" || !uuid.Valid(id) {
		return Grant{}, ErrInvalid
	}
	scope, _ := claims[claimScope].(string)
	iat, _ := int64Claim(claims, claimIssued)
	exp, _ := int64Claim(claims, claimExpires)
	return Grant{
		ID:        id,
		SubjectID: subject,
		ScopeID:   scope,
		IssuedAt:  time.UnixMilli(iat),
		ExpiresAt: time.UnixMilli(exp),
	}, nil
}
