package transform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// DefaultTokenLength is the number of base64url digest characters kept in
// a hash token. Eight characters (48 bits) are enough to correlate repeated
// values within a corpus without making the token a lookup key.
const DefaultTokenLength = 8

// maxTokenLength is the unpadded base64url length of a SHA-256 digest.
var maxTokenLength = base64.RawURLEncoding.EncodedLen(sha256.Size)

type hashTransformer struct {
	key       []byte
	unkeyed   bool
	transient bool
	n         int
}

func newHash(key []byte, unkeyed, transient bool, n int) *hashTransformer {
	if n <= 0 {
		n = DefaultTokenLength
	}
	if n > maxTokenLength {
		n = maxTokenLength
	}
	return &hashTransformer{
		key:       append([]byte(nil), key...),
		unkeyed:   unkeyed,
		transient: transient,
		n:         n,
	}
}

// Transform returns "[TYPE:digest]". Keyed digests are HMAC-SHA256 over the
// value alone, so equal values share a token regardless of entity type;
// unkeyed digests are SHA-256 over "TYPE:value".
func (h *hashTransformer) Transform(text, entityType string) (string, error) {
	var digest []byte
	if h.unkeyed {
		sum := sha256.Sum256([]byte(entityType + ":" + text))
		digest = sum[:]
	} else {
		mac := hmac.New(sha256.New, h.key)
		mac.Write([]byte(text))
		digest = mac.Sum(nil)
	}
	enc := base64.RawURLEncoding.EncodeToString(digest)
	return "[" + entityType + ":" + enc[:h.n] + "]", nil
}

func (h *hashTransformer) Kind() Kind      { return Hash }
func (h *hashTransformer) Transient() bool { return h.transient }
