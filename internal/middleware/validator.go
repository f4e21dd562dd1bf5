package middleware

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/bryanwahyu/diagnovision/internal/domain/analysis"
	"github.com/bryanwahyu/diagnovision/internal/domain/session"
)

// Input validation and sanitization utilities

const minPasswordLen = 6

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,128}$`)

func invalid(field, msg string) error {
	return &analysis.ValidationError{Field: field, Message: msg}
}

// ValidateEmail checks the address parses and carries no display name.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return invalid("email", "is not a valid address")
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < minPasswordLen {
		return invalid("password", "must be at least 6 characters")
	}
	if len(password) > 72 {
		// bcrypt ignores everything past 72 bytes
		return invalid("password", "must be at most 72 bytes")
	}
	return nil
}

// ValidateSignUpRole only accepts the two real roles.
func ValidateSignUpRole(raw string) (session.Role, error) {
	role := session.ParseRole(raw)
	if role == session.RoleNone {
		return session.RoleNone, invalid("role", "must be patient or doctor")
	}
	return role, nil
}

func ValidateDisplayName(name string) error {
	name = SanitizeString(name)
	if name == "" {
		return invalid("display_name", "is required")
	}
	if len(name) > 255 {
		return invalid("display_name", "is too long")
	}
	return nil
}

// ValidateID checks image and patient ids taken from the url.
func ValidateID(field, id string) error {
	if id == "" {
		return invalid(field, "is required")
	}
	if !idPattern.MatchString(id) {
		return invalid(field, "has an invalid format")
	}
	return nil
}

var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// ValidateImageContentType accepts the formats the analysis server reads.
func ValidateImageContentType(contentType string) error {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if !imageTypes[ct] {
		return invalid("image", "must be a JPEG or PNG image")
	}
	return nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Remove control characters
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}

	return strings.TrimSpace(result.String())
}
