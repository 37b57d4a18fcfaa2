package transform

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ff1 numerals are the digits of math/big for bases up to 62.
const numerals = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Named alphabets.
const (
	AlphabetNumeric               = "numeric"
	AlphabetHexadecimal           = "hexadecimal"
	AlphabetUpperCaseAlphaNumeric = "upper_case_alpha_numeric"
	AlphabetAlphaNumeric          = "alpha_numeric"
)

var namedAlphabets = map[string]string{
	AlphabetNumeric:               "0123456789",
	AlphabetHexadecimal:           "0123456789ABCDEF",
	AlphabetUpperCaseAlphaNumeric: "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	AlphabetAlphaNumeric:          "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ",
}

// Alphabet is an ordered character set for format-preserving encryption.
type Alphabet struct {
	chars []rune
	index map[rune]int
}

// ParseAlphabet resolves a named alphabet or a literal character set.
// Empty selects alpha_numeric. Literal sets need 2 to 62 distinct
// characters.
func ParseAlphabet(s string) (Alphabet, error) {
	if s == "" {
		s = AlphabetAlphaNumeric
	}
	if named, ok := namedAlphabets[strings.ToLower(s)]; ok {
		s = named
	}
	a := Alphabet{index: make(map[rune]int)}
	for _, r := range s {
		if _, dup := a.index[r]; dup {
			return Alphabet{}, errors.Wrapf(ErrInvalidAlphabet, "duplicate character %q", r)
		}
		a.index[r] = len(a.chars)
		a.chars = append(a.chars, r)
	}
	if n := len(a.chars); n < 2 || n > len(numerals) {
		return Alphabet{}, errors.Wrapf(ErrInvalidAlphabet, "alphabet must have 2 to %d characters (got %d)", len(numerals), n)
	}
	return a, nil
}

// Radix is the number of characters in the alphabet.
func (a Alphabet) Radix() int { return len(a.chars) }

func (a Alphabet) String() string { return string(a.chars) }

// encode maps value characters that belong to the alphabet to ff1
// numerals. positions records where each numeral came from.
func (a Alphabet) encode(value []rune) (digits string, positions []int) {
	var b strings.Builder
	for i, r := range value {
		if d, ok := a.index[r]; ok {
			b.WriteByte(numerals[d])
			positions = append(positions, i)
		}
	}
	return b.String(), positions
}

// decode writes ff1 output back into value at the recorded positions.
func (a Alphabet) decode(value []rune, digits string, positions []int) ([]rune, error) {
	if len(digits) != len(positions) {
		return nil, errors.AssertionFailedf("ff1 changed length %d -> %d", len(positions), len(digits))
	}
	out := append([]rune(nil), value...)
	for i := 0; i < len(digits); i++ {
		d := strings.IndexByte(numerals, digits[i])
		if d < 0 || d >= len(a.chars) {
			return nil, errors.AssertionFailedf("ff1 numeral %q outside radix %d", digits[i], len(a.chars))
		}
		out[positions[i]] = a.chars[d]
	}
	return out, nil
}
