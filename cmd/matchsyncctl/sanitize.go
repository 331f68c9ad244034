package main

import (
	"strings"
	"unicode"
)

// printable strips what a remote sender could use to garble the terminal:
// control characters (escape sequences included) and the zero-width and
// modifier runes many terminals render at the wrong width. Newlines and
// tabs become spaces so one message stays on one line.
func printable(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.WriteByte(' ')
		case r == unicode.ReplacementChar, unicode.IsControl(r), dropWidthRune(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func dropWidthRune(r rune) bool {
	switch {
	case r >= 0x1F3FB && r <= 0x1F3FF: // skin tone modifiers
		return true
	case r == 0x200D: // zero width joiner
		return true
	case r >= 0xFE00 && r <= 0xFE0F, r >= 0xE0100 && r <= 0xE01EF: // variation selectors
		return true
	}
	return false
}
