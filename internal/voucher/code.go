package voucher

import (
	"regexp"
	"strings"

	"github.com/mbd888/giftswap/internal/idgen"
)

const (
	codeGroups    = 3
	codeGroupSize = 4
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// NewCode returns a random code of the form XXXX-XXXX-XXXX over A-Z0-9.
func NewCode() string {
	groups := make([]string, codeGroups)
	for i := range groups {
		groups[i] = idgen.FromAlphabet(idgen.Alphanumeric, codeGroupSize)
	}
	return strings.Join(groups, "-")
}

// ValidCode reports whether s is a well-formed voucher code.
func ValidCode(s string) bool {
	return codePattern.MatchString(s)
}
