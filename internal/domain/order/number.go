package order

import (
	"time"

	"github.com/google/uuid"
)

// crockford is the Crockford base32 alphabet: no I, L, O or U.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const numberSuffixLen = 6

// NumberGenerator produces human-readable order numbers.
type NumberGenerator func(now time.Time) string

// NewNumber returns an order number of the form ORD-YYYYMMDD-XXXXXX using the
// UTC date of now and six random base32 characters.
func NewNumber(now time.Time) string {
	id := uuid.New()
	suffix := make([]byte, numberSuffixLen)
	for i := range suffix {
		suffix[i] = crockford[id[i]&31]
	}
	return "ORD-" + now.UTC().Format("20060102") + "-" + string(suffix)
}
