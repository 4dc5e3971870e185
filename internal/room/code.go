package room

import (
	"crypto/rand"
	"math/big"
	"net/url"
	"strings"
)

// CodeLen is the length of a room code.
const CodeLen = 6

// codeAlphabet avoids confusable glyphs (I, O, 0, 1 and friends).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateCode returns a random room code drawn from the confusable-free
// alphabet.
func GenerateCode() string {
	var b strings.Builder
	b.Grow(CodeLen)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform entropy source is
			// broken; there is no useful recovery for a room code.
			panic(err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String()
}

// NormalizeCode uppercases user input, strips anything outside A-Z0-9 and
// truncates to the code length. It is applied to every code that crosses a
// user-facing boundary (form input, invite URL).
func NormalizeCode(v string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(v) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteByte(byte(r))
			if b.Len() == CodeLen {
				break
			}
		}
	}
	return b.String()
}

// ValidCode reports whether a normalized code has the full length.
func ValidCode(code string) bool {
	return len(code) == CodeLen
}

// InviteURL appends the room code to a base URL as the ?room= query
// parameter.
func InviteURL(base, code string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("room", NormalizeCode(code))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CodeFromInvite extracts and normalizes the room code from an invite URL.
// An absent or malformed parameter yields an empty string; the join form is
// pre-filled, never auto-submitted, so empty is not an error here.
func CodeFromInvite(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return NormalizeCode(u.Query().Get("room"))
}
