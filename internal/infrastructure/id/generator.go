package id

import (
	"crypto/rand"
	"fmt"
	"time"
)

// base32 without easily-confused characters, matching what ends up in
// customer-facing order numbers and temp credentials.
const alphabet = "ABCDEFGHJKMNPQRSTVWXYZ0123456789"

// OrderNumberGenerator produces globally unique, human-legible order numbers:
// ORD-YYYYMMDD-XXXXXX.
type OrderNumberGenerator struct {
	now func() time.Time
}

func NewOrderNumberGenerator() *OrderNumberGenerator {
	return &OrderNumberGenerator{now: time.Now}
}

func (g *OrderNumberGenerator) NewNumber() string {
	return fmt.Sprintf("ORD-%s-%s", g.now().UTC().Format("20060102"), randomSuffix(6))
}

// RandomToken returns a throwaway credential for provisioned accounts.
func RandomToken(length int) string {
	return randomSuffix(length)
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("crypto/rand: %w", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}
