package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// DeriveKey expands a master secret into a purpose-bound subkey. Distinct
// purposes yield independent keys from the same master.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	h := hkdf.New(sha256.New, master, nil, []byte(purpose))
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
