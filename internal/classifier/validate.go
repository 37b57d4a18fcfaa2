package classifier

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

func validator(name string) (func(string) bool, error) {
	switch strings.ToLower(name) {
	case "":
		return nil, nil
	case "luhn":
		return func(v string) bool { return luhnValid(stripNonDigits(v)) }, nil
	case "iban":
		return func(v string) bool {
			clean := strings.ReplaceAll(v, " ", "")
			return validateIBANLength(clean) && validateIBANChecksum(clean)
		}, nil
	case "bsn":
		return func(v string) bool { return validateBSN(stripNonDigits(v)) }, nil
	case "pesel":
		return func(v string) bool { return validatePESEL(stripNonDigits(v)) }, nil
	default:
		return nil, fmt.Errorf("unknown validation %q", name)
	}
}

// luhnValid checks a digit string against the Luhn algorithm (ISO/IEC 7812).
func luhnValid(number string) bool {
	n := len(number)
	if n < 2 {
		return false
	}
	sum := 0
	alt := false
	for i := n - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// validateIBANChecksum verifies the ISO 13616 MOD-97 check digits.
func validateIBANChecksum(iban string) bool {
	if len(iban) < 5 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	var num strings.Builder
	for _, ch := range rearranged {
		switch {
		case ch >= '0' && ch <= '9':
			num.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			num.WriteString(strconv.Itoa(int(ch-'A') + 10))
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(num.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

// validateIBANLength checks the IBAN length for its country code.
func validateIBANLength(iban string) bool {
	if len(iban) < 2 {
		return false
	}
	expected, ok := IBANLengths[iban[:2]]
	return ok && len(iban) == expected
}

// IBANLengths is the IBAN length per country (SWIFT IBAN registry).
var IBANLengths = map[string]int{
	"AD": 24, "AE": 23, "AL": 28, "AT": 20, "AZ": 28, "BA": 20, "BE": 16,
	"BG": 22, "BH": 22, "BR": 29, "CH": 21, "CR": 22, "CY": 28, "CZ": 24,
	"DE": 22, "DK": 18, "DO": 28, "EE": 20, "ES": 24, "FI": 18, "FO": 18,
	"FR": 27, "GB": 22, "GE": 22, "GI": 23, "GL": 18, "GR": 27, "GT": 28,
	"HR": 21, "HU": 28, "IE": 22, "IL": 23, "IS": 26, "IT": 27, "JO": 30,
	"KW": 30, "KZ": 20, "LB": 28, "LI": 21, "LT": 20, "LU": 20, "LV": 21,
	"MC": 27, "MD": 24, "ME": 22, "MK": 19, "MR": 27, "MT": 31, "MU": 30,
	"NL": 18, "NO": 15, "PK": 24, "PL": 28, "PS": 29, "PT": 25, "QA": 29,
	"RO": 24, "RS": 22, "SA": 24, "SE": 24, "SI": 19, "SK": 24, "SM": 27,
	"TN": 24, "TR": 26, "UA": 29, "VG": 24, "XK": 20,
}

// validateBSN applies the Dutch citizen service number "11-test":
// 9*d1 + 8*d2 + ... + 2*d8 - 1*d9 must be divisible by 11.
func validateBSN(digits string) bool {
	if len(digits) != 9 {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		w := 9 - i
		if i == 8 {
			w = -1
		}
		sum += w * d
	}
	return sum%11 == 0
}

// validatePESEL checks the Polish PESEL control digit.
func validatePESEL(digits string) bool {
	if len(digits) != 11 {
		return false
	}
	weights := [10]int{1, 3, 7, 9, 1, 3, 7, 9, 1, 3}
	sum := 0
	for i := 0; i < 11; i++ {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if i < 10 {
			sum += weights[i] * d
		}
	}
	return (10-sum%10)%10 == int(digits[10]-'0')
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}
