package vault

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/avatarkey/grant"
	"github.com/jmcleod/avatarkey/provider"
	"github.com/jmcleod/avatarkey/storage"
	"github.com/jmcleod/avatarkey/storage/memory"
)

type stubValidator struct {
	mu     sync.Mutex
	result provider.Validation
	err    error
	calls  int
}

func (s *stubValidator) Validate(_ context.Context, _, _, _ string) (provider.Validation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

type fixture struct {
	vault     *Vault
	repo      *memory.Repository
	signer    *grant.Signer
	validator *stubValidator
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC))
	signer, err := grant.NewSigner(bytes.Repeat([]byte("g"), grant.MinKeySize), grant.WithClock(clock))
	require.NoError(t, err)
	repo := memory.NewRepository()
	validator := &stubValidator{result: provider.Validation{Valid: true, Orientation: provider.Landscape}}
	v, err := New(repo, signer, validator, bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	return &fixture{vault: v, repo: repo, signer: signer, validator: validator, clock: clock}
}

func (f *fixture) grant(t *testing.T, scope string) string {
	t.Helper()
	token, _, err := f.signer.IssueGrant("operator", scope, 10*time.Minute)
	require.NoError(t, err)
	return token
}

func (f *fixture) rowCount(t *testing.T) int {
	t.Helper()
	keys, err := f.repo.List(t.Context(), DefaultTable)
	require.NoError(t, err)
	return len(keys)
}

var goodCreds = Credentials{
	AccountID:        "acct-1",
	APIKey:           "key-123",
	ExternalAvatarID: "ext-9",
	VoiceID:          "voice-2",
}

func TestNew_RejectsBadKey(t *testing.T) {
	signer, err := grant.NewSigner(bytes.Repeat([]byte("g"), grant.MinKeySize))
	require.NoError(t, err)
	_, err = New(memory.NewRepository(), signer, &stubValidator{}, []byte("short"))
	require.Error(t, err)
}

func TestSaveFetch_RoundTrip(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	saved, err := f.vault.Save(ctx, "avatar-1", goodCreds, f.grant(t, ""))
	require.NoError(t, err)
	assert.Equal(t, provider.Landscape, saved.Orientation)

	got, err := f.vault.Fetch(ctx, "avatar-1")
	require.NoError(t, err)
	assert.Equal(t, goodCreds, got)
	assert.Empty(t, got.ContextID)

	has, err := f.vault.Has(ctx, "avatar-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSave_FieldsAreSealedIndependently(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	_, err := f.vault.Save(ctx, "avatar-1", goodCreds, f.grant(t, ""))
	require.NoError(t, err)

	row, err := f.repo.Get(ctx, DefaultTable, "avatar-1")
	require.NoError(t, err)
	require.Len(t, row.Fields, 4)
	for name, env := range row.Fields {
		assert.NotContains(t, string(env.Ciphertext), goodCreds.fields()[name])
	}

	// Swapping two sealed fields breaks their AAD binding.
	row.Fields[FieldAPIKey], row.Fields[FieldAccountID] = row.Fields[FieldAccountID], row.Fields[FieldAPIKey]
	require.NoError(t, f.repo.Upsert(ctx, DefaultTable, row))
	_, err = f.vault.Fetch(ctx, "avatar-1")
	assert.Error(t, err)
}

func TestWithTable_BindsRowsToTable(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	staging, err := New(f.repo, f.signer, f.validator, bytes.Repeat([]byte{3}, 32), WithTable("staging"))
	require.NoError(t, err)

	_, err = staging.Save(ctx, "avatar-1", goodCreds, f.grant(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 0, f.rowCount(t))

	row, err := f.repo.Get(ctx, "staging", "avatar-1")
	require.NoError(t, err)
	require.NoError(t, f.repo.Upsert(ctx, DefaultTable, row))
	_, err = f.vault.Fetch(ctx, "avatar-1")
	assert.Error(t, err, "a row copied to another table must not open")
}

func TestSave_OverwritesExisting(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	token := f.grant(t, "")

	_, err := f.vault.Save(ctx, "avatar-1", goodCreds, token)
	require.NoError(t, err)
	updated := goodCreds
	updated.APIKey = "key-456"
	updated.VoiceID = ""
	_, err = f.vault.Save(ctx, "avatar-1", updated, token)
	require.NoError(t, err)

	got, err := f.vault.Fetch(ctx, "avatar-1")
	require.NoError(t, err)
	assert.Equal(t, "key-456", got.APIKey)
	assert.Empty(t, got.VoiceID)
	assert.Equal(t, 1, f.rowCount(t))
}

func TestSave_DeniedGrants(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	expired := f.grant(t, "")
	f.clock.Advance(10*time.Minute + time.Second)
	fresh := f.grant(t, "")

	other, err := grant.NewSigner(bytes.Repeat([]byte("x"), grant.MinKeySize), grant.WithClock(f.clock))
	require.NoError(t, err)
	forged, _, err := other.IssueGrant("operator", "", time.Minute)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "abc.def",
		"expired":      expired,
		"forged":       forged,
		"wrong scope":  f.grant(t, "avatar-2"),
		"tampered mac": fresh[:len(fresh)-1] + flipChar(fresh[len(fresh)-1]),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.vault.Save(ctx, "avatar-1", goodCreds, token)
			require.ErrorIs(t, err, ErrDenied)
		})
	}
	assert.Equal(t, 0, f.rowCount(t))
	assert.Equal(t, 0, f.validator.calls)
}

func TestSave_ScopedGrantAuthorizesItsAvatar(t *testing.T) {
	f := newFixture(t)
	_, err := f.vault.Save(t.Context(), "avatar-1", goodCreds, f.grant(t, "avatar-1"))
	require.NoError(t, err)
}

func TestSave_MissingFields(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	token := f.grant(t, "")

	for _, c := range []Credentials{
		{APIKey: "k", ExternalAvatarID: "e"},
		{AccountID: "a", ExternalAvatarID: "e"},
		{AccountID: "a", APIKey: "k"},
		{AccountID: "  ", APIKey: "k", ExternalAvatarID: "e"},
	} {
		_, err := f.vault.Save(ctx, "avatar-1", c, token)
		require.ErrorIs(t, err, ErrInvalid)
		var ie *InvalidError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, reasonMissingFields, ie.Reason)
	}
	assert.Equal(t, 0, f.validator.calls)
	assert.Equal(t, 0, f.rowCount(t))
}

func TestSave_ProviderRejects(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.validator.result = provider.Validation{Valid: false}

	_, err := f.vault.Save(ctx, "avatar-1", Credentials{AccountID: "a", APIKey: "bad", ExternalAvatarID: "x"}, f.grant(t, ""))
	require.ErrorIs(t, err, ErrInvalid)
	assert.NotErrorIs(t, err, ErrDenied)
	assert.Equal(t, 0, f.rowCount(t))
}

func TestSave_ProviderFailureIsInvalid(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.validator.result = provider.Validation{Valid: true}
	f.validator.err = errors.New("timeout")

	_, err := f.vault.Save(ctx, "avatar-1", goodCreds, f.grant(t, ""))
	require.ErrorIs(t, err, ErrInvalid)
	var ie *InvalidError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, reasonRejected, ie.Reason)
	assert.Equal(t, 0, f.rowCount(t))
}

func TestSave_BadAvatarID(t *testing.T) {
	f := newFixture(t)
	_, err := f.vault.Save(t.Context(), "a/b", goodCreds, f.grant(t, ""))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestFetch_NotFound(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	_, err := f.vault.Fetch(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	has, err := f.vault.Has(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDelete(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	token := f.grant(t, "")
	_, err := f.vault.Save(ctx, "avatar-1", goodCreds, token)
	require.NoError(t, err)

	require.ErrorIs(t, f.vault.Delete(ctx, "avatar-1", "bogus"), ErrDenied)
	require.NoError(t, f.vault.Delete(ctx, "avatar-1", token))
	require.ErrorIs(t, f.vault.Delete(ctx, "avatar-1", token), ErrNotFound)

	_, err = f.vault.Fetch(ctx, "avatar-1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.repo.Get(ctx, DefaultTable, "avatar-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func flipChar(c byte) string {
	if c == 'A' {
		return "B"
	}
	return "A"
}
