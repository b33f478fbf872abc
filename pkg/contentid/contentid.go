package contentid

import (
	"fmt"
	"strings"
)

// CanonicalLength is the length of a normalized upstream identifier.
const CanonicalLength = 32

// Validator validates upstream content identifiers
type Validator interface {
	Validate(id string) error
	Normalize(id string) string
}

type DefaultValidator struct {
	separators []string
}

func NewDefaultValidator() Validator {
	return &DefaultValidator{
		separators: []string{"-"},
	}
}

func (v *DefaultValidator) Validate(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("content id cannot be empty")
	}

	stripped := v.strip(id)
	if len(stripped) != CanonicalLength {
		return fmt.Errorf("content id %q must be %d hex characters, got %d",
			id, CanonicalLength, len(stripped))
	}
	if !isHex(stripped) {
		return fmt.Errorf("content id %q contains non-hex characters", id)
	}

	return nil
}

// Normalize returns the canonical lowercase, separator-free form of id.
// Identifiers that do not look like upstream ids are returned trimmed but
// otherwise untouched.
func (v *DefaultValidator) Normalize(id string) string {
	trimmed := strings.TrimSpace(id)
	stripped := v.strip(trimmed)
	if len(stripped) == CanonicalLength && isHex(stripped) {
		return strings.ToLower(stripped)
	}
	return trimmed
}

func (v *DefaultValidator) strip(id string) string {
	out := strings.TrimSpace(id)
	for _, sep := range v.separators {
		out = strings.ReplaceAll(out, sep, "")
	}
	return out
}

var defaultValidator = NewDefaultValidator()

// Normalize uses the default validator.
func Normalize(id string) string {
	return defaultValidator.Normalize(id)
}

// IsValid reports whether id is an upstream identifier in any textual form.
func IsValid(id string) bool {
	return defaultValidator.Validate(id) == nil
}

// Dedupe normalizes ids and drops empties and repeats, keeping first-seen
// order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n := Normalize(id)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
