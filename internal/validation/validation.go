// Package validation checks identifiers that travel from callers into the
// extension before they are forwarded.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	// uuidRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// modeSlugRegex matches extension mode slugs such as code or ask-v2
	modeSlugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// MaxTaskIDLength bounds task ids accepted from callers
const MaxTaskIDLength = 128

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateSessionID validates a bridge session ID
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	return ValidateUUID(id)
}

// ValidateTaskID validates a task id from the extension's history. The
// extension chooses the format, so only emptiness, length and control
// characters are rejected.
func ValidateTaskID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if len(id) > MaxTaskIDLength {
		return fmt.Errorf("task ID longer than %d bytes", MaxTaskIDLength)
	}
	for _, c := range id {
		if unicode.IsControl(c) {
			return fmt.Errorf("task ID contains control character %q", c)
		}
	}
	return nil
}

// ValidateModeSlug validates an extension mode slug
func ValidateModeSlug(mode string) error {
	if mode == "" {
		return fmt.Errorf("mode cannot be empty")
	}
	if !modeSlugRegex.MatchString(mode) {
		return fmt.Errorf("invalid mode slug: %q", mode)
	}
	return nil
}
