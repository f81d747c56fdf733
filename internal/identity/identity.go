// internal/identity/identity.go
package identity

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// codeAlphabet omits characters that read ambiguously when shared out loud
// or scribbled on paper (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CodeLength is the number of characters in a game code.
const CodeLength = 6

// NewPlayerID returns a fresh opaque participant identifier.
func NewPlayerID() string {
	return uuid.NewString()
}

// NewSessionID returns a fresh opaque signaling session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// GenerateGameCode returns a short human-shareable code, e.g. "K7QPX2".
// Collision handling is the caller's responsibility (the relay retries on a
// code that is already live).
func GenerateGameCode() string {
	var b strings.Builder
	b.Grow(CodeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken;
			// fall back to a fixed character rather than panic mid-handshake.
			b.WriteByte(codeAlphabet[0])
			continue
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String()
}

// NormalizeGameCode canonicalizes user-entered codes for lookup: uppercase,
// separators stripped. "k7q-px2" and "K7QPX2" resolve to the same session.
func NormalizeGameCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatGameCode renders a code for display, split into two groups for
// readability: "K7QPX2" -> "K7Q-PX2". Codes of unexpected length are
// returned unchanged.
func FormatGameCode(code string) string {
	code = NormalizeGameCode(code)
	if len(code) != CodeLength {
		return code
	}
	return code[:CodeLength/2] + "-" + code[CodeLength/2:]
}
