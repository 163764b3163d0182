package helpers

import (
	"fmt"
	"strings"

	"github.com/twmailer/twmailer/consts"
)

// ValidateUsername checks that name is usable both as a directory name under
// the mail root and as a value interpolated into a directory DN: non-empty,
// at most consts.MaxUsernameLength bytes, only ASCII letters, digits, '.',
// '_' and '-', and not "." or "..".
func ValidateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", consts.ErrInvalidUsername)
	}
	if len(name) > consts.MaxUsernameLength {
		return fmt.Errorf("%w: longer than %d bytes", consts.ErrInvalidUsername, consts.MaxUsernameLength)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", consts.ErrInvalidUsername, name)
	}
	for i := 0; i < len(name); i++ {
		if !usernameByte(name[i]) {
			return fmt.Errorf("%w: character %q not allowed", consts.ErrInvalidUsername, name[i])
		}
	}
	return nil
}

func usernameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}

// FilenameComponent maps an arbitrary sender identity onto characters that
// are safe inside a file name. '@' is kept so envelope addresses stay readable.
func FilenameComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	for i := 0; i < len(s) && b.Len() < consts.MaxUsernameLength; i++ {
		c := s[i]
		if usernameByte(c) || c == '@' {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
