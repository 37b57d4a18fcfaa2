package transform

import (
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/tink-crypto/tink-go/v2/daead/subtle"
	"golang.org/x/crypto/hkdf"
)

// DefaultSurrogateType marks deterministic ciphertext tokens.
const DefaultSurrogateType = "SURROGATE"

// sivInfo binds expanded keys to this use so the same input key used for
// hashing yields an unrelated SIV key.
var sivInfo = []byte("redact/deterministic-encrypt/aes-siv")

type deterministicTransformer struct {
	siv       *subtle.AESSIV
	marker    string
	transient bool
}

// newDeterministic builds an AES-SIV transformer. AES-SIV needs a 64-byte
// key; 32-byte keys are expanded with HKDF-SHA256.
func newDeterministic(key []byte, marker string, transient bool) (Transformer, error) {
	sivKey := key
	if len(key) != subtle.AESSIVKeySize {
		sivKey = make([]byte, subtle.AESSIVKeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, sivInfo), sivKey); err != nil {
			return nil, errors.Wrap(err, "expanding deterministic key")
		}
	}
	siv, err := subtle.NewAESSIV(sivKey)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "creating AES-SIV cipher"), ErrInvalidKey)
	}
	if marker == "" {
		marker = DefaultSurrogateType
	}
	return &deterministicTransformer{siv: siv, marker: marker, transient: transient}, nil
}

// Transform encrypts the value with the entity type as associated data and
// returns "MARKER(n):payload" where payload is n base64url characters.
// The token is reversible with the key; reversal lives outside this package.
func (d *deterministicTransformer) Transform(text, entityType string) (string, error) {
	ct, err := d.siv.EncryptDeterministically([]byte(text), []byte(entityType))
	if err != nil {
		return "", errors.Wrap(err, "deterministic encryption")
	}
	return surrogate(d.marker, base64.RawURLEncoding.EncodeToString(ct)), nil
}

func (d *deterministicTransformer) Kind() Kind      { return DeterministicEncrypt }
func (d *deterministicTransformer) Transient() bool { return d.transient }
