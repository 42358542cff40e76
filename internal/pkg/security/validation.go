package security

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Identifier and text limits for data uploaded to the platform.
const (
	MaxIDLength        = 256
	MaxQueryTextLength = 10000
	MaxDocumentSize    = 10 * 1024 * 1024
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// ValidateSiteID checks a site query or document identifier. IDs end up
// as URL path segments, so they must be non-empty, bounded, free of
// whitespace and control characters, and must not contain '/'.
func ValidateSiteID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Constraint: "required"}
	}
	if len(id) > MaxIDLength {
		return &ValidationError{Field: field, Value: len(id),
			Constraint: fmt.Sprintf("maximum length is %d bytes", MaxIDLength)}
	}
	if !utf8.ValidString(id) {
		return &ValidationError{Field: field, Constraint: "must be valid UTF-8"}
	}
	if strings.Contains(id, "/") {
		return &ValidationError{Field: field, Value: SanitizeForLog(id), Constraint: "must not contain '/'"}
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &ValidationError{Field: field, Value: SanitizeForLog(id),
				Constraint: "must not contain whitespace or control characters"}
		}
	}
	return nil
}

// ValidateQueryText checks the text of an uploaded query.
func ValidateQueryText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "qstr", Constraint: "required"}
	}
	if n := utf8.RuneCountInString(text); n > MaxQueryTextLength {
		return &ValidationError{Field: "qstr", Value: n,
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxQueryTextLength)}
	}
	if !utf8.ValidString(text) {
		return &ValidationError{Field: "qstr", Constraint: "must be valid UTF-8"}
	}
	return nil
}

// ValidateDocumentContent checks the size of an uploaded document body.
func ValidateDocumentContent(content []byte) error {
	if len(content) > MaxDocumentSize {
		return &ValidationError{Field: "content", Value: len(content),
			Constraint: fmt.Sprintf("maximum size is %d bytes", MaxDocumentSize)}
	}
	return nil
}
