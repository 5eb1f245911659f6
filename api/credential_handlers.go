package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/avatarkey/vault"
)

// CredentialStatus handles GET /avatars/{avatarID}/credentials/status.
func (a *API) CredentialStatus(w http.ResponseWriter, r *http.Request) {
	has, err := a.vault.Has(r.Context(), chi.URLParam(r, "avatarID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CredentialStatusResponse{HasCredentials: has})
}

// GetCredentials handles GET /avatars/{avatarID}/credentials.
func (a *API) GetCredentials(w http.ResponseWriter, r *http.Request) {
	avatarID := chi.URLParam(r, "avatarID")
	g, err := a.vault.Authorize(grantFromRequest(r), avatarID)
	if err != nil {
		a.audit.logAvatar(AuditCredentialsDenied, r, avatarID, slog.String("op", "read"))
		a.mapError(w, r, err)
		return
	}
	creds, err := a.vault.Fetch(r.Context(), avatarID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logAvatar(AuditCredentialsRead, r, avatarID, slog.String("grant_id", g.ID))
	writeJSON(w, http.StatusOK, creds)
}

// PutCredentials handles PUT /avatars/{avatarID}/credentials.
func (a *API) PutCredentials(w http.ResponseWriter, r *http.Request) {
	avatarID := chi.URLParam(r, "avatarID")
	var body CredentialsBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := a.vault.Save(r.Context(), avatarID, body, grantFromRequest(r))
	switch {
	case errors.Is(err, vault.ErrDenied):
		a.audit.logAvatar(AuditCredentialsDenied, r, avatarID, slog.String("op", "write"))
		a.mapError(w, r, err)
		return
	case errors.Is(err, vault.ErrInvalid):
		a.audit.logAvatar(AuditCredentialsRejected, r, avatarID, slog.String("reason", err.Error()))
		a.mapError(w, r, err)
		return
	case err != nil:
		a.mapError(w, r, err)
		return
	}

	a.audit.logAvatar(AuditCredentialsSaved, r, avatarID)
	writeJSON(w, http.StatusOK, SaveCredentialsResponse{Saved: true, Orientation: saved.Orientation})
}

// DeleteCredentials handles DELETE /avatars/{avatarID}/credentials.
func (a *API) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	avatarID := chi.URLParam(r, "avatarID")
	err := a.vault.Delete(r.Context(), avatarID, grantFromRequest(r))
	if errors.Is(err, vault.ErrDenied) {
		a.audit.logAvatar(AuditCredentialsDenied, r, avatarID, slog.String("op", "delete"))
	}
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logAvatar(AuditCredentialsDeleted, r, avatarID)
	w.WriteHeader(http.StatusNoContent)
}
