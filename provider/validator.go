package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
)

// Orientation is a layout hint derived from the avatar's declared size.
type Orientation string

const (
	Landscape Orientation = "landscape"
	Portrait  Orientation = "portrait"
)

func orientationOf(width, height int) Orientation {
	if width > height {
		return Landscape
	}
	return Portrait
}

// Validation is the outcome of checking a credential tuple.
type Validation struct {
	Valid       bool
	Orientation Orientation
}

// Validator checks a credential tuple against the remote provider. Callers
// must treat a non-nil error as invalid.
type Validator interface {
	Validate(ctx context.Context, apiKey, externalID, accountID string) (Validation, error)
}

// Kind names a Validator variant in configuration.
type Kind string

const (
	KindQuota  Kind = "quota"
	KindLookup Kind = "lookup"
)

// NewValidator returns the variant for kind. opts apply to every client the
// validator builds.
func NewValidator(kind Kind, baseURL string, opts ...ClientOption) (Validator, error) {
	switch kind {
	case KindQuota:
		return &QuotaValidator{baseURL: baseURL, opts: opts}, nil
	case KindLookup:
		return &LookupValidator{baseURL: baseURL, opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}

// AuthSchemeFor returns the auth scheme a provider kind expects.
func AuthSchemeFor(kind Kind) AuthScheme {
	if kind == KindLookup {
		return AuthBearer
	}
	return AuthAPIKey
}

// QuotaValidator confirms the key belongs to the stated account before
// looking the avatar up.
type QuotaValidator struct {
	baseURL string
	opts    []ClientOption
}

type accountInfo struct {
	AccountID      string  `json:"account_id"`
	RemainingQuota float64 `json:"remaining_quota"`
}

type avatarDetails struct {
	AvatarID string `json:"avatar_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

func (v *QuotaValidator) Validate(ctx context.Context, apiKey, externalID, accountID string) (Validation, error) {
	c := NewClient(v.baseURL, apiKey, append(slices.Clip(v.opts), WithAuthScheme(AuthAPIKey))...)

	var acct accountInfo
	if err := c.getJSON(ctx, "/v1/account", &acct); err != nil {
		return rejectedOr(err)
	}
	if acct.AccountID == "" || acct.AccountID != accountID {
		return Validation{}, nil
	}

	var details avatarDetails
	if err := c.getJSON(ctx, "/v2/avatar/"+url.PathEscape(externalID)+"/details", &details); err != nil {
		return rejectedOr(err)
	}
	return Validation{Valid: true, Orientation: orientationOf(details.Width, details.Height)}, nil
}

// LookupValidator resolves the avatar directly. 401 and 404 both mean the
// tuple is invalid.
type LookupValidator struct {
	baseURL string
	opts    []ClientOption
}

func (v *LookupValidator) Validate(ctx context.Context, apiKey, externalID, _ string) (Validation, error) {
	c := NewClient(v.baseURL, apiKey, append(slices.Clip(v.opts), WithAuthScheme(AuthBearer))...)

	var details avatarDetails
	if err := c.getJSON(ctx, "/v1/avatars/"+url.PathEscape(externalID), &details); err != nil {
		return rejectedOr(err)
	}
	res := Validation{Valid: true}
	if details.Width > 0 && details.Height > 0 {
		res.Orientation = orientationOf(details.Width, details.Height)
	}
	return res, nil
}

// rejectedOr turns 401/404 into a plain invalid result and passes any other
// failure through so it can be logged. Both are invalid to the caller.
func rejectedOr(err error) (Validation, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusNotFound) {
		return Validation{}, nil
	}
	return Validation{}, err
}
