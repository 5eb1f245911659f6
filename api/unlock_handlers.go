package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/avatarkey/unlock"
)

// Unlock handles POST /unlock.
func (a *API) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.gate.Unlock(r.Context(), a.clientIP(r), req.Password, req.ScopeID)
	switch {
	case errors.Is(err, unlock.ErrRateLimited):
		a.audit.logFailure(AuditUnlockRateLimited, r, "rate_limited")
		a.mapError(w, r, err)
		return
	case errors.Is(err, unlock.ErrDenied):
		a.audit.logFailure(AuditUnlockFailure, r, "wrong_password")
		a.mapError(w, r, err)
		return
	case err != nil:
		a.mapError(w, r, err)
		return
	}

	a.audit.log(AuditUnlockSuccess, r,
		slog.String("grant_id", res.Grant.ID),
		slog.String("scope_id", res.Grant.ScopeID),
	)
	writeJSON(w, http.StatusOK, UnlockResponse{
		Grant:     res.Token,
		ExpiresAt: res.ExpiresAtMillis(),
	})
}

// UnlockStatus handles GET /unlock/status. An absent, forged or expired
// grant is reported as valid=false without further detail.
func (a *API) UnlockStatus(w http.ResponseWriter, r *http.Request) {
	token := grantFromRequest(r)
	if token == "" {
		writeJSON(w, http.StatusOK, UnlockStatusResponse{})
		return
	}
	g, remaining, err := a.gate.Status(token)
	if err != nil {
		writeJSON(w, http.StatusOK, UnlockStatusResponse{})
		return
	}
	writeJSON(w, http.StatusOK, UnlockStatusResponse{
		Valid:       true,
		ExpiresAt:   g.ExpiresAt.UnixMilli(),
		RemainingMS: remaining.Milliseconds(),
		ScopeID:     g.ScopeID,
	})
}
