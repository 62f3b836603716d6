package payment

import (
	"regexp"
	"strings"
)

var upiIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{2,256}@[a-zA-Z]{2,64}$`)

// ValidateAccount checks the payer reference supplied for method. An empty
// account is always accepted.
func ValidateAccount(method Method, account string) error {
	if account == "" {
		return nil
	}
	switch method {
	case MethodCard:
		if !ValidCardNumber(account) {
			return &InvalidReferenceError{Method: method, Reason: "card number failed validation"}
		}
	case MethodUPI:
		if !ValidUPIID(account) {
			return &InvalidReferenceError{Method: method, Reason: "UPI id must look like name@bank"}
		}
	}
	return nil
}

// ValidCardNumber applies the Luhn checksum to a 13-19 digit card number.
// Spaces and dashes are ignored.
func ValidCardNumber(number string) bool {
	digits := normalizeCard(number)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ValidUPIID reports whether id has the name@bank shape.
func ValidUPIID(id string) bool {
	return upiIDPattern.MatchString(id)
}

// maskAccount keeps only what a receipt may show.
func maskAccount(method Method, account string) string {
	if account == "" || method != MethodCard {
		return account
	}
	digits := normalizeCard(account)
	if len(digits) <= 4 {
		return digits
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}

func normalizeCard(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}
