package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode"

	"github.com/jmcleod/avatarkey/provider"
)

const (
	// HeaderGrant carries an unlock grant.
	HeaderGrant = "X-Unlock-Grant"
	// HeaderClientID identifies the caller's device for session routes.
	HeaderClientID = provider.HeaderClientID

	clientIDQueryParam = "client_id"
	maxClientIDLength  = 128
	maxJSONBodyBytes   = 64 << 10
)

// ClientIDMiddleware requires a client identifier on session routes and
// stores it on the request context. Browsers that cannot set headers on a
// websocket handshake may pass it as the client_id query parameter.
func (a *API) ClientIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderClientID))
		if id == "" {
			id = strings.TrimSpace(r.URL.Query().Get(clientIDQueryParam))
		}
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing "+HeaderClientID+" header")
			return
		}
		if !validClientID(id) {
			writeError(w, http.StatusBadRequest, "invalid client id")
			return
		}
		ctx := provider.ContextWithClientID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validClientID(id string) bool {
	if len(id) > maxClientIDLength {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func clientIDFromRequest(r *http.Request) string {
	return provider.ClientIDFromContext(r.Context())
}

// grantFromRequest reads the unlock grant from X-Unlock-Grant or a bearer
// Authorization header.
func grantFromRequest(r *http.Request) string {
	if g := strings.TrimSpace(r.Header.Get(HeaderGrant)); g != "" {
		return g
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

var errBadBody = errors.New("invalid request body")

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errBadBody
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errBadBody
	}
	return nil
}
