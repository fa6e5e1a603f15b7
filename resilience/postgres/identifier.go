package postgres

import (
	"errors"
	"regexp"
	"strings"
)

const maxSQLIdentifierLength = 63

var (
	ErrInvalidIdentifier = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// ValidateIdentifier accepts a bare, unquoted SQL identifier.
func ValidateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

// ValidateIdentifierPath accepts identifiers joined by dots, like schema.table.
func ValidateIdentifierPath(path string) error {
	for _, part := range strings.Split(path, ".") {
		if err := ValidateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

// QuoteIdentifierPath double-quotes every part of path.
func QuoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, QuoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

// QuoteIdentifier double-quotes identifier, escaping embedded quotes.
func QuoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
