package provider

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quotaServer(t *testing.T, accountID string, width, height int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/account", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "good" {
			writeErr(w, http.StatusUnauthorized, 401, "bad key")
			return
		}
		writeData(w, http.StatusOK, accountInfo{AccountID: accountID, RemainingQuota: 120})
	})
	mux.HandleFunc("GET /v2/avatar/{id}/details", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "ext-1" {
			writeErr(w, http.StatusNotFound, 404, "no avatar")
			return
		}
		writeData(w, http.StatusOK, avatarDetails{AvatarID: "ext-1", Width: width, Height: height})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewValidator(t *testing.T) {
	v, err := NewValidator(KindQuota, "http://x")
	require.NoError(t, err)
	assert.IsType(t, &QuotaValidator{}, v)

	v, err = NewValidator(KindLookup, "http://x")
	require.NoError(t, err)
	assert.IsType(t, &LookupValidator{}, v)

	_, err = NewValidator("other", "http://x")
	require.Error(t, err)

	assert.Equal(t, AuthBearer, AuthSchemeFor(KindLookup))
	assert.Equal(t, AuthAPIKey, AuthSchemeFor(KindQuota))
}

func TestQuotaValidator(t *testing.T) {
	cases := []struct {
		name       string
		width      int
		height     int
		apiKey     string
		externalID string
		accountID  string
		want       Validation
	}{
		{"landscape", 1920, 1080, "good", "ext-1", "acct-1", Validation{Valid: true, Orientation: Landscape}},
		{"portrait", 1080, 1920, "good", "ext-1", "acct-1", Validation{Valid: true, Orientation: Portrait}},
		{"square is portrait", 512, 512, "good", "ext-1", "acct-1", Validation{Valid: true, Orientation: Portrait}},
		{"account mismatch", 1920, 1080, "good", "ext-1", "acct-2", Validation{}},
		{"bad key", 1920, 1080, "bad", "ext-1", "acct-1", Validation{}},
		{"unknown avatar", 1920, 1080, "good", "ext-2", "acct-1", Validation{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := quotaServer(t, "acct-1", tc.width, tc.height)
			v, err := NewValidator(KindQuota, srv.URL)
			require.NoError(t, err)
			got, err := v.Validate(t.Context(), tc.apiKey, tc.externalID, tc.accountID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestQuotaValidator_MismatchSkipsAvatarLookup(t *testing.T) {
	var detailCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/account", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, accountInfo{AccountID: "someone-else"})
	})
	mux.HandleFunc("GET /v2/avatar/{id}/details", func(w http.ResponseWriter, r *http.Request) {
		detailCalls++
		writeData(w, http.StatusOK, avatarDetails{Width: 1, Height: 1})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v, _ := NewValidator(KindQuota, srv.URL)
	got, err := v.Validate(t.Context(), "k", "ext-1", "acct-1")
	require.NoError(t, err)
	assert.False(t, got.Valid)
	assert.Equal(t, 0, detailCalls)
}

func TestLookupValidator(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/avatars/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			writeErr(w, http.StatusUnauthorized, 0, "")
			return
		}
		switch r.PathValue("id") {
		case "wide":
			writeData(w, http.StatusOK, avatarDetails{AvatarID: "wide", Width: 16, Height: 9})
		case "plain":
			writeData(w, http.StatusOK, map[string]string{"avatar_id": "plain"})
		default:
			writeErr(w, http.StatusNotFound, 0, "")
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v, err := NewValidator(KindLookup, srv.URL)
	require.NoError(t, err)

	got, err := v.Validate(t.Context(), "good", "wide", "")
	require.NoError(t, err)
	assert.Equal(t, Validation{Valid: true, Orientation: Landscape}, got)

	got, err = v.Validate(t.Context(), "good", "plain", "ignored")
	require.NoError(t, err)
	assert.Equal(t, Validation{Valid: true}, got)

	got, err = v.Validate(t.Context(), "bad", "wide", "")
	require.NoError(t, err)
	assert.False(t, got.Valid)

	got, err = v.Validate(t.Context(), "good", "missing", "")
	require.NoError(t, err)
	assert.False(t, got.Valid)
}

func TestValidators_FailClosed(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusInternalServerError, 0, "boom")
	}))
	defer down.Close()
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{not json"))
	}))
	defer garbage.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()

	opts := []ClientOption{
		WithRetries(0, 0),
		WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}),
	}
	for _, kind := range []Kind{KindQuota, KindLookup} {
		for name, url := range map[string]string{"5xx": down.URL, "malformed": garbage.URL, "timeout": slow.URL} {
			t.Run(string(kind)+"/"+name, func(t *testing.T) {
				v, err := NewValidator(kind, url, opts...)
				require.NoError(t, err)
				got, err := v.Validate(t.Context(), "k", "ext-1", "acct-1")
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrUnavailable)
				assert.False(t, got.Valid)
			})
		}
	}
}
