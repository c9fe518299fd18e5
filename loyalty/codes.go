package loyalty

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// codeAlphabet omits characters that are easy to misread (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CodeGenerator returns a fresh random code. Collisions are possible; the
// store's unique constraint detects them and the caller retries.
type CodeGenerator func() (string, error)

// RandomCodes returns a generator producing prefix + n random characters,
// e.g. "RIDE-7KQ2MX".
func RandomCodes(prefix string, n int) CodeGenerator {
	max := big.NewInt(int64(len(codeAlphabet)))
	return func() (string, error) {
		var b strings.Builder
		b.Grow(len(prefix) + n)
		b.WriteString(prefix)
		for i := 0; i < n; i++ {
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			b.WriteByte(codeAlphabet[idx.Int64()])
		}
		return b.String(), nil
	}
}

// NormalizeCode trims and upper-cases a user-typed code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
