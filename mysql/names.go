package mysql

import (
	"fmt"
	"strings"
)

// quoteTable validates a table name of the form [schema.]table and returns it with every
// part backtick-quoted. Only ASCII letters, digits and underscores are accepted.
func quoteTable(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}

	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
	}
	for i, part := range parts {
		if part == "" || strings.IndexFunc(part, invalidIdentRune) >= 0 {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
		parts[i] = "`" + part + "`"
	}

	return strings.Join(parts, "."), nil
}

func invalidIdentRune(r rune) bool {
	switch {
	case r == '_', r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return false
	default:
		return true
	}
}
