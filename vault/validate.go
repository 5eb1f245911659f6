package vault

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxIDLength    = 128
	MaxFieldLength = 4096
)

func validateID(id string) error {
	if id == "" {
		return invalidf("avatar ID must not be empty")
	}
	if len(id) > MaxIDLength {
		return invalidf("avatar ID exceeds maximum length of %d", MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return invalidf("avatar ID contains invalid UTF-8")
	}
	for _, r := range id {
		if r == '|' || r == '/' {
			return invalidf("avatar ID contains forbidden character %q", r)
		}
		if unicode.IsControl(r) {
			return invalidf("avatar ID contains control character")
		}
	}
	return nil
}

// validateCredentials trims surrounding whitespace in place and checks the
// required fields are present.
func validateCredentials(c *Credentials) error {
	c.AccountID = strings.TrimSpace(c.AccountID)
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.ExternalAvatarID = strings.TrimSpace(c.ExternalAvatarID)
	c.VoiceID = strings.TrimSpace(c.VoiceID)
	c.ContextID = strings.TrimSpace(c.ContextID)

	if c.AccountID == "" || c.APIKey == "" || c.ExternalAvatarID == "" {
		return invalidf(reasonMissingFields)
	}
	for name, value := range c.fields() {
		if len(value) > MaxFieldLength {
			return invalidf("field %q exceeds maximum of %d bytes", name, MaxFieldLength)
		}
	}
	return nil
}
