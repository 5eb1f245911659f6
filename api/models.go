package api

import (
	"github.com/jmcleod/avatarkey/provider"
	"github.com/jmcleod/avatarkey/vault"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// UnlockRequest is the JSON body for POST /unlock.
type UnlockRequest struct {
	Password string `json:"password"`
	ScopeID  string `json:"scope_id,omitempty"`
}

// UnlockResponse is returned from POST /unlock. ExpiresAt is epoch
// milliseconds.
type UnlockResponse struct {
	Grant     string `json:"grant"`
	ExpiresAt int64  `json:"expires_at"`
}

// UnlockStatusResponse is returned from GET /unlock/status.
type UnlockStatusResponse struct {
	Valid       bool   `json:"valid"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	RemainingMS int64  `json:"remaining_ms,omitempty"`
	ScopeID     string `json:"scope_id,omitempty"`
}

// CredentialStatusResponse is returned from GET /avatars/{avatarID}/credentials/status.
type CredentialStatusResponse struct {
	HasCredentials bool `json:"has_credentials"`
}

// CredentialsBody is the credential tuple exchanged by the credential routes.
type CredentialsBody = vault.Credentials

// SaveCredentialsResponse is returned from PUT /avatars/{avatarID}/credentials.
type SaveCredentialsResponse struct {
	Saved       bool                 `json:"saved"`
	Orientation provider.Orientation `json:"orientation,omitempty"`
}

// StartSessionRequest is the JSON body for POST /sessions.
type StartSessionRequest struct {
	AvatarID  string `json:"avatar_id"`
	Language  string `json:"language,omitempty"`
	Backstory string `json:"backstory,omitempty"`
}

// SendTextRequest is the JSON body for POST /sessions/{sessionID}/text.
type SendTextRequest struct {
	Text string `json:"text"`
}

// TranscriptResponse is returned from POST /sessions/{sessionID}/audio/finish.
type TranscriptResponse struct {
	Transcript string `json:"transcript"`
}
