package util

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/text/unicode/norm"
)

type Argon2idParams struct {
	Time        uint32 `json:"time" toml:"time"`
	MemoryKiB   uint32 `json:"memory" toml:"memory"`
	Parallelism uint8  `json:"parallelism" toml:"parallelism"`
	KeyLen      uint32 `json:"key_len" toml:"key_len"`
}

// DefaultArgon2idParams is tuned for an interactive password check on the
// unlock path: one digest per attempt, attempts are throttled separately.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        2,
		MemoryKiB:   19 * 1024,
		Parallelism: 1,
		KeyLen:      32,
	}
}

// Normalize applies NFKD so visually identical passwords digest identically.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen != 32 {
		return nil, fmt.Errorf("argon2id key length must be 32 bytes")
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("argon2id parameters must be non-zero")
	}
	key := argon2.IDKey([]byte(Normalize(passphrase)), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return key, nil
}

func CompareArgon2idKey(passphrase string, salt []byte, params Argon2idParams, expectedKey []byte) (bool, error) {
	key, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expectedKey) == 1, nil
}
