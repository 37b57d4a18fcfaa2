// Package transform maps a detected PII value to its replacement token.
//
// Three transforms are supported: a keyed hash rendered as
// "[TYPE:digest]", deterministic AES-SIV encryption rendered with a
// surrogate marker, and FF1 format-preserving encryption over a
// configured alphabet. All are deterministic for a given key, so the same
// value maps to the same token across spans, documents and runs.
package transform

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidKey is returned when key material has the wrong length or
	// form for the configured transform.
	ErrInvalidKey = errors.New("invalid key")
	// ErrInvalidAlphabet is returned when an FPE alphabet is unusable, or a
	// value has too few alphabet characters to encrypt.
	ErrInvalidAlphabet = errors.New("invalid alphabet")
)

// Kind selects a transform.
type Kind int

const (
	Hash Kind = iota
	DeterministicEncrypt
	FormatPreservingEncrypt
)

func (k Kind) String() string {
	switch k {
	case Hash:
		return "hash"
	case DeterministicEncrypt:
		return "deterministic"
	case FormatPreservingEncrypt:
		return "fpe"
	default:
		return "unknown"
	}
}

// ParseKind accepts "hash", "deterministic" and "fpe" plus a few aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hash", "crypto_hash", "hmac":
		return Hash, nil
	case "deterministic", "deterministic_encrypt", "siv":
		return DeterministicEncrypt, nil
	case "fpe", "format_preserving", "format_preserving_encrypt", "ff1":
		return FormatPreservingEncrypt, nil
	default:
		return Hash, errors.Newf("unknown transform kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// WrappedKey references a data key encrypted under a KMS key. Blob is the
// base64-encoded ciphertext of the data key.
type WrappedKey struct {
	KeyName string `yaml:"kms_key_name" json:"kms_key_name"`
	Blob    string `yaml:"wrapped_key" json:"wrapped_key"`
}

// Config describes one transform. Raw key bytes are never serialised.
type Config struct {
	Kind Kind `yaml:"kind" json:"kind"`
	// Key is raw key material for Hash and DeterministicEncrypt: 32 or 64
	// bytes. Empty selects a transient random key unless Unkeyed is set.
	Key []byte `yaml:"-" json:"-"`
	// Unkeyed selects a plain SHA-256 digest salted with the entity type.
	// Hash only.
	Unkeyed bool `yaml:"unkeyed,omitempty" json:"unkeyed,omitempty"`
	// Wrapped is required for FormatPreservingEncrypt.
	Wrapped *WrappedKey `yaml:"wrapped,omitempty" json:"wrapped,omitempty"`
	// Alphabet names or lists the FPE character set.
	Alphabet string `yaml:"alphabet,omitempty" json:"alphabet,omitempty"`
	// SurrogateType prefixes encrypted tokens, e.g. "SURROGATE(24):...".
	SurrogateType string `yaml:"surrogate_type,omitempty" json:"surrogate_type,omitempty"`
	// TokenLength truncates hash digests; zero selects DefaultTokenLength.
	TokenLength int `yaml:"token_length,omitempty" json:"token_length,omitempty"`
}

// KeyUnwrapper decrypts a wrapped data key. Implementations call out to a
// KMS; see internal/kms.
type KeyUnwrapper interface {
	Unwrap(ctx context.Context, keyName string, blob []byte) ([]byte, error)
}

// Transformer produces a replacement token for a PII value. Implementations
// are immutable and safe for concurrent use.
type Transformer interface {
	Transform(text, entityType string) (string, error)
	Kind() Kind
	// Transient reports whether the key was generated for this process only,
	// so tokens will not match those of another run.
	Transient() bool
}

// KeySize is the length of generated keys.
const KeySize = 32

// New validates cfg, resolves its key material and returns a ready
// Transformer. Configuration errors surface here, before any document is
// processed. unwrapper may be nil unless cfg is FormatPreservingEncrypt.
func New(ctx context.Context, cfg Config, unwrapper KeyUnwrapper) (Transformer, error) {
	switch cfg.Kind {
	case Hash, DeterministicEncrypt:
		if cfg.Wrapped != nil {
			return nil, errors.Wrapf(ErrInvalidKey, "%s transform takes a raw key, not a wrapped key", cfg.Kind)
		}
		if cfg.Unkeyed {
			if cfg.Kind != Hash {
				return nil, errors.Wrapf(ErrInvalidKey, "%s transform cannot run unkeyed", cfg.Kind)
			}
			return newHash(nil, true, false, cfg.TokenLength), nil
		}
		key, transient := cfg.Key, false
		if len(key) == 0 {
			var err error
			if key, err = randomKey(); err != nil {
				return nil, err
			}
			transient = true
		}
		if err := checkRawKey(key); err != nil {
			return nil, err
		}
		if cfg.Kind == Hash {
			return newHash(key, false, transient, cfg.TokenLength), nil
		}
		return newDeterministic(key, cfg.SurrogateType, transient)

	case FormatPreservingEncrypt:
		if len(cfg.Key) > 0 {
			return nil, errors.Wrap(ErrInvalidKey, "fpe transform requires a KMS-wrapped key, not raw key bytes")
		}
		if cfg.Wrapped == nil || cfg.Wrapped.KeyName == "" || cfg.Wrapped.Blob == "" {
			return nil, errors.Wrap(ErrInvalidKey, "fpe transform requires kms_key_name and wrapped_key")
		}
		alphabet, err := ParseAlphabet(cfg.Alphabet)
		if err != nil {
			return nil, err
		}
		if unwrapper == nil {
			return nil, errors.Wrap(ErrInvalidKey, "fpe transform requires a key unwrapper")
		}
		blob, err := base64.StdEncoding.DecodeString(cfg.Wrapped.Blob)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "decoding wrapped key"), ErrInvalidKey)
		}
		key, err := unwrapper.Unwrap(ctx, cfg.Wrapped.KeyName, blob)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "unwrapping key with %s", cfg.Wrapped.KeyName), ErrInvalidKey)
		}
		return newFPE(key, alphabet, cfg.SurrogateType)

	default:
		return nil, errors.Newf("unknown transform kind %d", cfg.Kind)
	}
}

func checkRawKey(key []byte) error {
	if n := len(key); n != 32 && n != 64 {
		return errors.Wrapf(ErrInvalidKey, "key must be 32 or 64 bytes (got %d)", n)
	}
	return nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.Wrap(err, "generating transient key")
	}
	return key, nil
}

// GenerateKey returns a fresh random key encoded as standard base64,
// suitable for the --key flag.
func GenerateKey() (string, error) {
	key, err := randomKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// DecodeKey decodes a base64 key and checks its length.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decoding base64 key"), ErrInvalidKey)
	}
	if err := checkRawKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// surrogate renders an encrypted token with its marker.
func surrogate(marker, payload string) string {
	return marker + "(" + strconv.Itoa(len(payload)) + "):" + payload
}
