package rules

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	identifierPattern    = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	metafieldNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// validateIdentifier validates a payload field name.
// Must match ^[a-zA-Z_][a-zA-Z0-9_]*$ and be 1-100 characters.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	return nil
}

// validatePath validates a dotted payload path; numeric segments index lists.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	for _, segment := range strings.Split(path, ".") {
		if isIndex(segment) {
			continue
		}
		if err := validateIdentifier(segment); err != nil {
			return fmt.Errorf("invalid segment %q: %w", segment, err)
		}
	}
	return nil
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// validateMetafieldName validates a metafield namespace or key (1-64 characters
// of letters, digits, underscores and hyphens).
func validateMetafieldName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("cannot be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("length %d exceeds maximum of 64 characters", len(name))
	}
	if !metafieldNamePattern.MatchString(name) {
		return fmt.Errorf("must contain only letters, digits, underscores or hyphens")
	}
	return nil
}
