package unlock

import (
	"bytes"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/avatarkey/grant"
	"github.com/jmcleod/avatarkey/internal/ratelimit"
	"github.com/jmcleod/avatarkey/internal/util"
)

var fastParams = util.Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32}

func newTestGate(t *testing.T, opts ...Option) (*Gate, *grant.Signer, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	signer, err := grant.NewSigner(bytes.Repeat([]byte("s"), grant.MinKeySize), grant.WithClock(clock))
	require.NoError(t, err)
	opts = append([]Option{WithClock(clock), WithParams(fastParams)}, opts...)
	g, err := NewGate([]byte("correct horse"), signer, opts...)
	require.NoError(t, err)
	return g, signer, clock
}

func TestNewGate_Validation(t *testing.T) {
	signer, err := grant.NewSigner(bytes.Repeat([]byte("s"), grant.MinKeySize))
	require.NoError(t, err)

	_, err = NewGate(nil, signer, WithParams(fastParams))
	require.Error(t, err)
	_, err = NewGate([]byte("pw"), nil, WithParams(fastParams))
	require.Error(t, err)
	_, err = NewGate([]byte("pw"), signer, WithParams(fastParams), WithTTL(-time.Second))
	require.Error(t, err)
}

func TestUnlock_Success(t *testing.T) {
	ctx := t.Context()
	g, signer, clock := newTestGate(t)

	res, err := g.Unlock(ctx, "10.0.0.1", "correct horse", "")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Minute).UnixMilli(), res.ExpiresAtMillis())
	assert.Equal(t, clock.Now().UnixMilli()+600000, res.ExpiresAtMillis())
	assert.Equal(t, DefaultSubject, res.Grant.SubjectID)

	got, err := signer.VerifyGrant(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Grant.ID, got.ID)
}

func TestUnlock_ScopedGrant(t *testing.T) {
	g, _, _ := newTestGate(t)
	res, err := g.Unlock(t.Context(), "ip", "correct horse", "avatar-9")
	require.NoError(t, err)
	assert.Equal(t, "avatar-9", res.Grant.ScopeID)
	assert.True(t, res.Grant.Authorizes("avatar-9"))
	assert.False(t, res.Grant.Authorizes("avatar-1"))
}

func TestUnlock_WrongPasswordDenied(t *testing.T) {
	g, _, _ := newTestGate(t)
	_, err := g.Unlock(t.Context(), "ip", "wrong", "")
	assert.ErrorIs(t, err, ErrDenied)
	assert.NotErrorIs(t, err, ErrRateLimited)
}

func TestUnlock_NormalizesPassword(t *testing.T) {
	clock := clockwork.NewFakeClock()
	signer, err := grant.NewSigner(bytes.Repeat([]byte("s"), grant.MinKeySize), grant.WithClock(clock))
	require.NoError(t, err)
	g, err := NewGate([]byte("caf\u00e9"), signer, WithClock(clock), WithParams(fastParams))
	require.NoError(t, err)

	_, err = g.Unlock(t.Context(), "ip", "cafe\u0301", "")
	assert.NoError(t, err)
}

func TestUnlock_RateLimitedAfterFailures(t *testing.T) {
	ctx := t.Context()
	clock := clockwork.NewFakeClock()
	limiter := ratelimit.NewMemory(ratelimit.Policy{MaxFailures: 3}, clock)
	g, _, _ := newTestGate(t, WithLimiter(limiter))

	for i := 0; i < 3; i++ {
		_, err := g.Unlock(ctx, "ip", "nope", "")
		require.ErrorIs(t, err, ErrDenied)
	}

	// Even the right password is refused while locked out.
	_, err := g.Unlock(ctx, "ip", "correct horse", "")
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, time.Minute, rl.RetryAfter)

	// Another caller is unaffected.
	_, err = g.Unlock(ctx, "other", "correct horse", "")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = g.Unlock(ctx, "ip", "correct horse", "")
	require.NoError(t, err)
}

// Unlock, wait out the grant, then present it again.
func TestStatus_ExpiresAfterTTL(t *testing.T) {
	g, _, clock := newTestGate(t)
	res, err := g.Unlock(t.Context(), "ip", "correct horse", "")
	require.NoError(t, err)

	gr, remaining, err := g.Status(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Grant.ID, gr.ID)
	assert.Equal(t, 10*time.Minute, remaining)

	clock.Advance(4 * time.Minute)
	_, remaining, err = g.Status(res.Token)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Minute, remaining)

	clock.Advance(6*time.Minute + time.Second)
	_, _, err = g.Status(res.Token)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestStatus_ForgedIsDenied(t *testing.T) {
	g, _, _ := newTestGate(t)
	_, _, err := g.Status("not.a-grant")
	assert.ErrorIs(t, err, ErrDenied)
}
