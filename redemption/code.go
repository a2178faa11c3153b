/*
code.go - Voucher code generation

PURPOSE:
  Voucher codes are human-shareable: a merchant may type one in when the
  QR scan fails. Codes are 12 digits grouped for readability
  (XXXX-XXXX-XXXX), where the last digit is a Luhn check digit over the
  first eleven. Typos fail the checksum locally before any store lookup.

  Uniqueness is NOT guaranteed by generation; the voucher insert's unique
  constraint is. On a collision the saga regenerates a fresh code.
*/
package redemption

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/theplant/luhn"
)

const codeDigits = 12 // 11 random + 1 check digit

var codeBodyMax = new(big.Int).Exp(big.NewInt(10), big.NewInt(codeDigits-1), nil)

// NewCode generates a fresh voucher code.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeBodyMax)
	if err != nil {
		return "", fmt.Errorf("generate voucher code: %w", err)
	}
	body := int(n.Int64())
	check := luhn.CalculateLuhn(body)
	return formatCode(fmt.Sprintf("%0*d%d", codeDigits-1, body, check)), nil
}

// ValidCode reports whether the code is well-formed: 12 digits with a
// correct Luhn check digit. Grouping dashes and spaces are ignored.
func ValidCode(code string) bool {
	digits := normalizeCode(code)
	if len(digits) != codeDigits {
		return false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return false
	}
	return luhn.Valid(n)
}

// CanonicalCode validates the code and returns it in the stored
// XXXX-XXXX-XXXX form. ok is false for malformed or mistyped codes.
func CanonicalCode(code string) (string, bool) {
	if !ValidCode(code) {
		return "", false
	}
	return formatCode(normalizeCode(code)), true
}

func normalizeCode(code string) string {
	var b strings.Builder
	for _, r := range code {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func formatCode(digits string) string {
	return digits[0:4] + "-" + digits[4:8] + "-" + digits[8:12]
}
