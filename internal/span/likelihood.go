package span

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Likelihood is an ordered confidence level. Higher values are more
// certain. The zero value is Unspecified and sorts below every level.
type Likelihood int

const (
	Unspecified Likelihood = iota
	VeryUnlikely
	Unlikely
	Possible
	Likely
	VeryLikely
)

var likelihoodNames = [...]string{
	Unspecified:  "LIKELIHOOD_UNSPECIFIED",
	VeryUnlikely: "VERY_UNLIKELY",
	Unlikely:     "UNLIKELY",
	Possible:     "POSSIBLE",
	Likely:       "LIKELY",
	VeryLikely:   "VERY_LIKELY",
}

// SafeValue marks likelihood levels as safe for redactable output.
func (Likelihood) SafeValue() {}

func (l Likelihood) String() string {
	if l < Unspecified || l > VeryLikely {
		return "LIKELIHOOD(" + strconv.Itoa(int(l)) + ")"
	}
	return likelihoodNames[l]
}

// Shift moves l by n levels, clamped to [VeryUnlikely, VeryLikely].
func (l Likelihood) Shift(n int) Likelihood {
	v := int(l) + n
	if v < int(VeryUnlikely) {
		return VeryUnlikely
	}
	if v > int(VeryLikely) {
		return VeryLikely
	}
	return Likelihood(v)
}

// ParseLikelihood accepts the canonical names, case-insensitively, with
// or without underscores ("very_likely", "VeryLikely").
func ParseLikelihood(s string) (Likelihood, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for i, name := range likelihoodNames {
		if norm == name || norm == strings.ReplaceAll(name, "_", "") {
			return Likelihood(i), nil
		}
	}
	if norm == "" || norm == "UNSPECIFIED" {
		return Unspecified, nil
	}
	return Unspecified, errors.Newf("unknown likelihood %q", s)
}

// LikelihoodFromScore maps a [0,1] confidence score onto the enum.
// Bands: <0.2 very unlikely, <0.4 unlikely, <0.6 possible, <0.85 likely.
func LikelihoodFromScore(score float64) Likelihood {
	switch {
	case score < 0.2:
		return VeryUnlikely
	case score < 0.4:
		return Unlikely
	case score < 0.6:
		return Possible
	case score < 0.85:
		return Likely
	default:
		return VeryLikely
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Likelihood) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Likelihood) UnmarshalText(b []byte) error {
	v, err := ParseLikelihood(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
