// Package vault stores provider credentials per avatar, sealed field by
// field, and only accepts writes backed by a valid unlock grant.
package vault

import "github.com/jmcleod/avatarkey/provider"

const (
	FieldAccountID        = "account_id"
	FieldAPIKey           = "api_key"
	FieldExternalAvatarID = "external_avatar_id"
	FieldVoiceID          = "voice_id"
	FieldContextID        = "context_id"
)

// DefaultTable is the storage table holding credential rows.
const DefaultTable = "credentials"

// Credentials is the plaintext tuple for one avatar. Absent optional fields
// are empty strings.
type Credentials struct {
	AccountID        string `json:"account_id"`
	APIKey           string `json:"api_key"`
	ExternalAvatarID string `json:"external_avatar_id"`
	VoiceID          string `json:"voice_id"`
	ContextID        string `json:"context_id"`
}

func (c Credentials) fields() map[string]string {
	return map[string]string{
		FieldAccountID:        c.AccountID,
		FieldAPIKey:           c.APIKey,
		FieldExternalAvatarID: c.ExternalAvatarID,
		FieldVoiceID:          c.VoiceID,
		FieldContextID:        c.ContextID,
	}
}

func credentialsFromFields(m map[string]string) Credentials {
	return Credentials{
		AccountID:        m[FieldAccountID],
		APIKey:           m[FieldAPIKey],
		ExternalAvatarID: m[FieldExternalAvatarID],
		VoiceID:          m[FieldVoiceID],
		ContextID:        m[FieldContextID],
	}
}

// Saved is returned by a successful Save.
type Saved struct {
	Orientation provider.Orientation `json:"orientation,omitempty"`
}
