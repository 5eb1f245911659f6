package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/avatarkey/grant"
	icrypto "github.com/jmcleod/avatarkey/internal/crypto"
	"github.com/jmcleod/avatarkey/internal/util"
	"github.com/jmcleod/avatarkey/provider"
	"github.com/jmcleod/avatarkey/storage"
)

const keyPurpose = "avatarkey credentials v1"

// Vault seals credential tuples into a storage.Repository.
type Vault struct {
	repo      storage.Repository
	signer    *grant.Signer
	validator provider.Validator
	key       *memguard.Enclave
	table     string
	logger    *slog.Logger
}

// New derives the field key from masterKey and returns a Vault. The caller
// may wipe masterKey after this returns.
func New(repo storage.Repository, signer *grant.Signer, validator provider.Validator, masterKey []byte, opts ...Option) (*Vault, error) {
	if repo == nil || signer == nil || validator == nil {
		return nil, fmt.Errorf("repository, signer and validator are required")
	}
	if len(masterKey) != util.AESKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", util.AESKeySize, len(masterKey))
	}
	fieldKey, err := util.DeriveKey(masterKey, keyPurpose)
	if err != nil {
		return nil, err
	}
	v := &Vault{
		repo:      repo,
		signer:    signer,
		validator: validator,
		key:       memguard.NewEnclave(fieldKey),
		table:     DefaultTable,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Authorize verifies token and checks that it covers avatarID.
func (v *Vault) Authorize(token, avatarID string) (grant.Grant, error) {
	g, err := v.signer.VerifyGrant(token)
	if err != nil {
		return grant.Grant{}, ErrDenied
	}
	if !g.Authorizes(avatarID) {
		return grant.Grant{}, ErrDenied
	}
	return g, nil
}

// Fetch decrypts the stored tuple for avatarID.
func (v *Vault) Fetch(ctx context.Context, avatarID string) (Credentials, error) {
	if err := validateID(avatarID); err != nil {
		return Credentials{}, err
	}
	row, err := v.repo.Get(ctx, v.table, avatarID)
	if errors.Is(err, storage.ErrNotFound) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("loading credentials: %w", err)
	}

	key, err := v.key.Open()
	if err != nil {
		return Credentials{}, fmt.Errorf("opening field key: %w", err)
	}
	defer key.Destroy()

	plain := make(map[string]string, len(row.Fields))
	for name, env := range row.Fields {
		pt, err := storage.Open(key.Bytes(), env, fieldAAD(v.table, avatarID, name))
		if err != nil {
			return Credentials{}, fmt.Errorf("decrypting field %q: %w", name, err)
		}
		plain[name] = string(pt)
		util.WipeBytes(pt)
	}
	return credentialsFromFields(plain), nil
}

// Has reports whether a tuple is stored for avatarID without decrypting it.
func (v *Vault) Has(ctx context.Context, avatarID string) (bool, error) {
	if err := validateID(avatarID); err != nil {
		return false, err
	}
	_, err := v.repo.Get(ctx, v.table, avatarID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading credentials: %w", err)
	}
	return true, nil
}

// Save verifies the grant, validates creds locally and against the provider,
// and then overwrites the stored tuple. Nothing is written unless every
// check passes.
func (v *Vault) Save(ctx context.Context, avatarID string, creds Credentials, token string) (Saved, error) {
	if _, err := v.Authorize(token, avatarID); err != nil {
		return Saved{}, err
	}
	if err := validateID(avatarID); err != nil {
		return Saved{}, err
	}
	if err := validateCredentials(&creds); err != nil {
		return Saved{}, err
	}

	res, err := v.validator.Validate(ctx, creds.APIKey, creds.ExternalAvatarID, creds.AccountID)
	if err != nil || !res.Valid {
		v.logger.InfoContext(ctx, "provider rejected credentials",
			slog.String("avatar_id", avatarID),
			slog.Any("error", err),
		)
		return Saved{}, invalidf(reasonRejected)
	}

	row, err := v.seal(avatarID, creds)
	if err != nil {
		return Saved{}, err
	}
	if err := v.repo.Upsert(ctx, v.table, row); err != nil {
		return Saved{}, fmt.Errorf("storing credentials: %w", err)
	}
	return Saved{Orientation: res.Orientation}, nil
}

// Delete removes the tuple for avatarID.
func (v *Vault) Delete(ctx context.Context, avatarID, token string) error {
	if _, err := v.Authorize(token, avatarID); err != nil {
		return err
	}
	if err := validateID(avatarID); err != nil {
		return err
	}
	err := v.repo.Delete(ctx, v.table, avatarID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}

func (v *Vault) seal(avatarID string, creds Credentials) (*storage.Row, error) {
	key, err := v.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening field key: %w", err)
	}
	defer key.Destroy()

	row := &storage.Row{Key: avatarID, Fields: make(map[string]*storage.Envelope)}
	for name, value := range creds.fields() {
		if value == "" {
			continue
		}
		env, err := storage.Seal(key.Bytes(), []byte(value), fieldAAD(v.table, avatarID, name))
		if err != nil {
			return nil, fmt.Errorf("sealing field %q: %w", name, err)
		}
		row.Fields[name] = env
	}
	return row, nil
}

func fieldAAD(table, avatarID, field string) []byte {
	return icrypto.AADCredentialField(table, avatarID, field)
}
