package transform

import (
	"sync"

	"github.com/capitalone/fpe/ff1"
	"github.com/cockroachdb/errors"
)

// maxTweakLen bounds the tweak (entity type) length accepted by ff1.
const maxTweakLen = 256

// fpeTransformer keeps a pool of ciphers per tweak. An ff1.Cipher carries
// mutable CBC state, so one cipher is never used by two goroutines at once.
type fpeTransformer struct {
	key      []byte
	alphabet Alphabet
	marker   string

	mu    sync.Mutex
	pools map[string]*sync.Pool
}

// newFPE builds an FF1 transformer. The key must be an AES key; a cipher
// is constructed up front so a bad key fails at configuration time.
func newFPE(key []byte, alphabet Alphabet, marker string) (Transformer, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errors.Wrapf(ErrInvalidKey, "fpe key must be 16, 24 or 32 bytes (got %d)", len(key))
	}
	f := &fpeTransformer{
		key:      append([]byte(nil), key...),
		alphabet: alphabet,
		marker:   marker,
		pools:    make(map[string]*sync.Pool),
	}
	if _, err := f.pool(""); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fpeTransformer) newCipher(entityType string) (*ff1.Cipher, error) {
	c, err := ff1.NewCipher(f.alphabet.Radix(), maxTweakLen, f.key, []byte(entityType))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "creating ff1 cipher"), ErrInvalidKey)
	}
	return &c, nil
}

// pool returns the cipher pool tweaked with entityType, checking on first
// use that a cipher can be built for it.
func (f *fpeTransformer) pool(entityType string) (*sync.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pools[entityType]; ok {
		return p, nil
	}
	if len(entityType) > maxTweakLen {
		return nil, errors.Newf("entity type too long for fpe tweak (%d bytes)", len(entityType))
	}
	first, err := f.newCipher(entityType)
	if err != nil {
		return nil, err
	}
	p := &sync.Pool{New: func() any {
		c, err := f.newCipher(entityType)
		if err != nil {
			return nil
		}
		return c
	}}
	p.Put(first)
	f.pools[entityType] = p
	return p, nil
}

func (f *fpeTransformer) encrypt(entityType, digits string) (string, error) {
	p, err := f.pool(entityType)
	if err != nil {
		return "", err
	}
	c, _ := p.Get().(*ff1.Cipher)
	if c == nil {
		if c, err = f.newCipher(entityType); err != nil {
			return "", err
		}
	}
	defer p.Put(c)
	enc, err := c.Encrypt(digits)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "fpe encrypting %s value", entityType), ErrInvalidAlphabet)
	}
	return enc, nil
}

// Transform encrypts the alphabet characters of text in place. Characters
// outside the alphabet keep their position and value, so "4111-1111" stays
// shaped "dddd-dddd".
func (f *fpeTransformer) Transform(text, entityType string) (string, error) {
	value := []rune(text)
	digits, positions := f.alphabet.encode(value)
	if len(digits) < 2 {
		return "", errors.Wrapf(ErrInvalidAlphabet, "%s value has %d alphabet characters, need at least 2", entityType, len(digits))
	}
	enc, err := f.encrypt(entityType, digits)
	if err != nil {
		return "", err
	}
	out, err := f.alphabet.decode(value, enc, positions)
	if err != nil {
		return "", err
	}
	if f.marker == "" {
		return string(out), nil
	}
	return surrogate(f.marker, string(out)), nil
}

func (f *fpeTransformer) Kind() Kind      { return FormatPreservingEncrypt }
func (f *fpeTransformer) Transient() bool { return false }
