package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/avatarkey/internal/ratelimit"
	"github.com/jmcleod/avatarkey/media"
	"github.com/jmcleod/avatarkey/session"
	"github.com/jmcleod/avatarkey/unlock"
	"github.com/jmcleod/avatarkey/vault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *unlock.RateLimitError
	var invalid *vault.InvalidError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", ratelimit.RetryAfterSeconds(rl.RetryAfter))
		writeError(w, http.StatusTooManyRequests, unlock.ErrRateLimited.Error())
	case errors.Is(err, unlock.ErrDenied), errors.Is(err, vault.ErrDenied):
		writeError(w, http.StatusUnauthorized, "unlock grant required")
	case errors.As(err, &invalid):
		writeError(w, http.StatusUnprocessableEntity, invalid.Error())
	case errors.Is(err, vault.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, session.ErrNoCredentials):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrStopped):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrCoolingDown):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionInactive):
		writeError(w, http.StatusGone, session.ErrSessionInactive.Error())
	case errors.Is(err, session.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, session.ErrProviderUnavailable.Error())

	case errors.Is(err, media.ErrNotRecording):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, media.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		a.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
