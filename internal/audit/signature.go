package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const signaturePrefix = "hmac-sha256:"

// Signer signs audit records and digests document text with HMAC-SHA256.
type Signer struct {
	key []byte
}

// NewSigner accepts a key of at least 32 raw bytes, or 64+ hex characters
// decoding to at least 32 bytes.
func NewSigner(key string) (*Signer, error) {
	if len(key) >= 64 && len(key)%2 == 0 {
		if decoded, err := hex.DecodeString(key); err == nil {
			return &Signer{key: decoded}, nil
		}
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("%w: signing key must be at least 32 bytes (got %d)", ErrInvalidSigningKey, len(key))
	}
	return &Signer{key: []byte(key)}, nil
}

func (s *Signer) mac(data []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return h.Sum(nil)
}

// Sign returns "hmac-sha256:<hex>".
func (s *Signer) Sign(data []byte) string {
	return signaturePrefix + hex.EncodeToString(s.mac(data))
}

// Verify checks signature against data in constant time.
func (s *Signer) Verify(data []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(data)), []byte(signature))
}

// Digest fingerprints document text. It is keyed so a record cannot be
// used to confirm a guessed input offline.
func (s *Signer) Digest(text string) string {
	return hex.EncodeToString(s.mac([]byte("digest:" + text)))[:32]
}
