package storage

import (
	"fmt"

	"github.com/jmcleod/avatarkey/internal/util"
)

const (
	envelopeVer    = 1
	envelopeScheme = "aes256gcm"
)

// Envelope is a single field sealed with AES-256-GCM.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      append([]byte(nil), e.Nonce...),
		Ciphertext: append([]byte(nil), e.Ciphertext...),
	}
}

// Seal encrypts plaintext into an Envelope bound to aad.
func Seal(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        envelopeVer,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
	}, nil
}

// Open decrypts an Envelope with the same key and aad used to seal it.
func Open(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if envelope.Ver != envelopeVer {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)

	return util.DecryptAESWithAAD(full, key, aad)
}
