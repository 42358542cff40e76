// Package security provides input validation, log sanitization and
// secret masking for the command line tools.
package security

import (
	"strings"
	"unicode"
)

// Path validation errors.
var (
	ErrPathEmpty    = &PathError{Reason: "path is empty"}
	ErrPathNullByte = &PathError{Reason: "path contains null byte"}
	ErrPathTooLong  = &PathError{Reason: "path exceeds maximum length"}
	ErrPathControl  = &PathError{Reason: "path contains control characters"}
)

// PathError represents a path validation error.
type PathError struct {
	Reason string
	Path   string
}

func (e *PathError) Error() string {
	if e.Path != "" {
		return e.Reason + ": " + e.Path
	}
	return e.Reason
}

// MaxPathLength is the maximum allowed path length.
const MaxPathLength = 1024

// ValidateInputPath checks a user supplied input file path. Absolute and
// relative paths are both accepted; the path must be non-empty, bounded in
// length and free of NUL and control characters.
func ValidateInputPath(path string) error {
	if path == "" {
		return ErrPathEmpty
	}
	if strings.Contains(path, "\x00") {
		return &PathError{Reason: ErrPathNullByte.Reason, Path: "[contains null byte]"}
	}
	if len(path) > MaxPathLength {
		return &PathError{Reason: ErrPathTooLong.Reason, Path: path[:50] + "..."}
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return &PathError{Reason: ErrPathControl.Reason, Path: SanitizeForLog(path)}
		}
	}
	return nil
}

// SanitizeForLog escapes line breaks, drops other control characters and
// truncates to 200 runes so untrusted text cannot forge log lines.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, 200)
}

// SanitizeForLogWithLength sanitizes a string for logging with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(min(len(s), maxLen+10))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			if !unicode.IsControl(r) {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}

// MaskSecret hides all but the last four characters of a key. Keys of
// eight characters or fewer are hidden completely.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "[REDACTED]"
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
