// Package unlock implements the password gate that mints unlock grants.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/avatarkey/grant"
	"github.com/jmcleod/avatarkey/internal/ratelimit"
	"github.com/jmcleod/avatarkey/internal/util"
)

var (
	// ErrDenied is returned for a wrong password or an unusable grant. It
	// never says which.
	ErrDenied = errors.New("denied")
	// ErrRateLimited is returned while the caller is locked out.
	ErrRateLimited = errors.New("too many unlock attempts")
)

// RateLimitError carries the remaining lockout. It matches ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// DefaultTTL is the lifetime of a freshly minted grant.
const DefaultTTL = 10 * time.Minute

// DefaultSubject is recorded in grants issued by a Gate.
const DefaultSubject = "operator"

const saltSize = 16

// Gate checks the unlock password and issues grants.
type Gate struct {
	signer  *grant.Signer
	limiter ratelimit.Limiter
	clock   clockwork.Clock

	digest *memguard.Enclave
	salt   []byte
	params util.Argon2idParams
	ttl    time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

func WithClock(c clockwork.Clock) Option { return func(g *Gate) { g.clock = c } }

func WithLimiter(l ratelimit.Limiter) Option { return func(g *Gate) { g.limiter = l } }

func WithTTL(ttl time.Duration) Option { return func(g *Gate) { g.ttl = ttl } }

// WithParams overrides the argon2id cost parameters.
func WithParams(p util.Argon2idParams) Option { return func(g *Gate) { g.params = p } }

// NewGate digests password with a random salt and keeps only the digest.
// The caller may wipe password after this returns.
func NewGate(password []byte, signer *grant.Signer, opts ...Option) (*Gate, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("unlock password must not be empty")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	g := &Gate{
		signer: signer,
		clock:  clockwork.NewRealClock(),
		params: util.DefaultArgon2idParams(),
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.limiter == nil {
		g.limiter = ratelimit.NewMemory(ratelimit.DefaultPolicy(), g.clock)
	}
	if g.ttl <= 0 {
		return nil, fmt.Errorf("grant ttl must be positive")
	}

	salt, err := util.RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	digest, err := util.DeriveArgon2idKey(string(password), salt, g.params)
	if err != nil {
		return nil, fmt.Errorf("digesting unlock password: %w", err)
	}
	g.salt = salt
	g.digest = memguard.NewEnclave(digest)
	return g, nil
}

// Result is a successful unlock.
type Result struct {
	Token string
	Grant grant.Grant
}

// ExpiresAtMillis is the absolute expiry in epoch milliseconds.
func (r Result) ExpiresAtMillis() int64 { return r.Grant.ExpiresAt.UnixMilli() }

// Unlock checks password for the caller identified by remoteKey. scopeID,
// when non-empty, binds the grant to a single avatar.
func (g *Gate) Unlock(ctx context.Context, remoteKey, password, scopeID string) (Result, error) {
	blocked, retryAfter, err := g.limiter.Check(ctx, remoteKey)
	if err != nil {
		return Result{}, fmt.Errorf("checking unlock attempts: %w", err)
	}
	if blocked {
		return Result{}, &RateLimitError{RetryAfter: retryAfter}
	}

	ok, err := g.compare(password)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		if err := g.limiter.RecordFailure(ctx, remoteKey); err != nil {
			return Result{}, fmt.Errorf("recording unlock failure: %w", err)
		}
		return Result{}, ErrDenied
	}
	if err := g.limiter.RecordSuccess(ctx, remoteKey); err != nil {
		return Result{}, fmt.Errorf("clearing unlock failures: %w", err)
	}

	token, gr, err := g.signer.IssueGrant(DefaultSubject, scopeID, g.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("issuing grant: %w", err)
	}
	return Result{Token: token, Grant: gr}, nil
}

func (g *Gate) compare(password string) (bool, error) {
	expected, err := g.digest.Open()
	if err != nil {
		return false, fmt.Errorf("opening password digest: %w", err)
	}
	defer expected.Destroy()
	return util.CompareArgon2idKey(password, g.salt, g.params, expected.Bytes())
}

// Status verifies a presented grant and reports how long it has left.
func (g *Gate) Status(token string) (grant.Grant, time.Duration, error) {
	gr, err := g.signer.VerifyGrant(token)
	if err != nil {
		return grant.Grant{}, 0, ErrDenied
	}
	return gr, gr.Remaining(g.clock.Now()), nil
}
