package identity

import (
	"fmt"
	"strings"
)

const hexDigits = "0123456789abcdef"

// EncodeLocalpart maps an arbitrary remote identifier onto the characters a
// chat user localpart allows. Lowercase letters, digits, '.', '-' and '/'
// pass through. '_' becomes "__", uppercase letters become '_' followed by
// the lowercase letter and every other byte becomes '=' and two hex digits.
func EncodeLocalpart(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-', c == '/':
			b.WriteByte(c)
		case c == '_':
			b.WriteString("__")
		case c >= 'A' && c <= 'Z':
			b.WriteByte('_')
			b.WriteByte(c + ('a' - 'A'))
		default:
			b.WriteByte('=')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// DecodeLocalpart reverses EncodeLocalpart.
func DecodeLocalpart(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '_':
			if i+1 >= len(s) {
				return "", fmt.Errorf("dangling escape at end of %q", s)
			}
			i++
			n := s[i]
			switch {
			case n == '_':
				b.WriteByte('_')
			case n >= 'a' && n <= 'z':
				b.WriteByte(n - ('a' - 'A'))
			default:
				return "", fmt.Errorf("invalid escape %q in %q", "_"+string(n), s)
			}
		case '=':
			if i+2 >= len(s) {
				return "", fmt.Errorf("truncated hex escape in %q", s)
			}
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if !ok1 || !ok2 {
				return "", fmt.Errorf("invalid hex escape %q in %q", s[i:i+3], s)
			}
			b.WriteByte(hi<<4 | lo)
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
