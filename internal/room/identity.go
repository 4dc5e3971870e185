package room

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrAuthRequired is returned when a participant key is requested without a
// stable identity. A membership record must never be persisted under an
// ephemeral id.
var ErrAuthRequired = errors.New("room: authenticated identity required")

// Nickname and task limits.
const (
	NicknameMinLen = 2
	NicknameMaxLen = 16
	TaskMaxLen     = 50
)

// NewParticipantKey derives a per-session participant key from a stable
// identity. The random suffix makes the same account opened twice two
// independent participants.
func NewParticipantKey(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrAuthRequired
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s", identity, suffix), nil
}

// SanitizeNickname trims, collapses inner whitespace and bounds the length.
// Limits count runes, not bytes, so multi-byte names are neither cut
// mid-rune nor over-counted. Returns an empty string when the result is
// shorter than the minimum.
func SanitizeNickname(raw string) string {
	s := strings.Join(strings.Fields(raw), " ")
	r := []rune(s)
	if len(r) < NicknameMinLen {
		return ""
	}
	if len(r) > NicknameMaxLen {
		return string(r[:NicknameMaxLen])
	}
	return s
}

// SanitizeTask trims free-text task input and bounds the length in runes.
func SanitizeTask(raw string) string {
	s := strings.TrimSpace(raw)
	if r := []rune(s); len(r) > TaskMaxLen {
		return string(r[:TaskMaxLen])
	}
	return s
}
