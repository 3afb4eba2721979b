package client

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TerminalText makes remote text safe to print on a terminal. Control
// characters (escape sequences included) are dropped, line breaks and tabs
// become spaces, and emoji modifiers that break cell width are removed.
func TerminalText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r == utf8.RuneError && size == 1:
		case unicode.IsControl(r) || isWidthModifier(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isWidthModifier(r rune) bool {
	switch {
	// Skin tone modifiers.
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	// Zero Width Joiner.
	case r == 0x200D:
		return true
	// Variation Selectors.
	case r >= 0xFE00 && r <= 0xFE0F:
		return true
	// Variation Selectors Supplement.
	case r >= 0xE0100 && r <= 0xE01EF:
		return true
	default:
		return false
	}
}
