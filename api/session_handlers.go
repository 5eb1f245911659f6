package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/avatarkey/session"
)

const maxTextLength = 2000

// controller returns the caller's session controller, writing 503 when the
// server is shutting down.
func (a *API) controller(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	c := a.sessions.Controller(clientIDFromRequest(r))
	if c == nil {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return nil, false
	}
	return c, true
}

// StartSession handles POST /sessions.
func (a *API) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.AvatarID = strings.TrimSpace(req.AvatarID)
	if req.AvatarID == "" {
		writeError(w, http.StatusBadRequest, "avatar_id is required")
		return
	}
	// Per-client state is only created for avatars that can start.
	has, err := a.vault.Has(r.Context(), req.AvatarID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if !has {
		a.mapError(w, r, session.ErrNoCredentials)
		return
	}
	c, ok := a.controller(w, r)
	if !ok {
		return
	}

	snap, err := c.Start(r.Context(), session.StartRequest{
		AvatarID:  req.AvatarID,
		Language:  req.Language,
		Backstory: req.Backstory,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// CurrentSession handles GET /sessions/current.
func (a *API) CurrentSession(w http.ResponseWriter, r *http.Request) {
	id := clientIDFromRequest(r)
	c, ok := a.sessions.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusOK, session.Snapshot{ClientID: id, State: session.StateIdle})
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// StopSession handles DELETE /sessions/{sessionID}. It returns once the
// session's resources are released.
func (a *API) StopSession(w http.ResponseWriter, r *http.Request) {
	c, ok := a.sessions.Lookup(clientIDFromRequest(r))
	if !ok {
		a.mapError(w, r, session.ErrNoSession)
		return
	}
	if err := c.Stop(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExtendSession handles POST /sessions/{sessionID}/extend.
func (a *API) ExtendSession(w http.ResponseWriter, r *http.Request) {
	c, ok := a.sessions.Lookup(clientIDFromRequest(r))
	if !ok {
		a.mapError(w, r, session.ErrNoSession)
		return
	}
	snap, err := c.Extend(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SendText handles POST /sessions/{sessionID}/text.
func (a *API) SendText(w http.ResponseWriter, r *http.Request) {
	var req SendTextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" || len(text) > maxTextLength {
		writeError(w, http.StatusBadRequest, "text must be between 1 and 2000 bytes")
		return
	}
	c, ok := a.sessions.Lookup(clientIDFromRequest(r))
	if !ok {
		a.mapError(w, r, session.ErrNoSession)
		return
	}
	if err := c.SendText(r.Context(), chi.URLParam(r, "sessionID"), text); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Activity handles POST /sessions/{sessionID}/activity.
func (a *API) Activity(w http.ResponseWriter, r *http.Request) {
	c, ok := a.sessions.Lookup(clientIDFromRequest(r))
	if !ok {
		a.mapError(w, r, session.ErrNoSession)
		return
	}
	if err := c.Activity(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PushAudio handles POST /sessions/{sessionID}/audio. The body is one raw
// audio chunk; its Content-Type is kept for transcription.
func (a *API) PushAudio(w http.ResponseWriter, r *http.Request) {
	chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxAudioBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio chunk too large")
			return
		}
		writeError(w, http.StatusBadRequest, errBadBody.Error())
		return
	}
	if len(chunk) == 0 {
		writeError(w, http.StatusBadRequest, "empty audio chunk")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c, ok := a.sessions.Lookup(clientIDFromRequest(r))
	if !ok {
		a.mapError(w, r, session.ErrNoSession)
		return
	}
	if err := c.PushAudio(r.Context(), chi.URLParam(r, "sessionID"), chunk, contentType); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FinishAudio handles POST /sessions/{sessionID}/audio/finish.
func (a *API) FinishAudio(w http.ResponseWriter, r *http.Request) {
	c, ok := a.sessions.Lookup(clientIDFromRequest(r))
	if !ok {
		a.mapError(w, r, session.ErrNoSession)
		return
	}
	text, err := c.FinishUtterance(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TranscriptResponse{Transcript: text})
}
