package content

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxLength is the longest message body accepted, in runes.
const MaxLength = 4000

var (
	ErrEmpty   = errors.New("message is empty")
	ErrTooLong = errors.New("message is too long")

	policy      = bluemonday.UGCPolicy()
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string.
// It is applied to message bodies on the way out and on the way in.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Message sanitizes and trims a message body typed by the user. An empty
// result is allowed only when the message carries attachments.
func Message(input string, hasAttachments bool) (string, error) {
	body := strings.TrimSpace(Sanitize(input))
	if body == "" && !hasAttachments {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(body) > MaxLength {
		return "", ErrTooLong
	}
	return body, nil
}

// ValidateUserID checks if the id contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("user id cannot be empty")
	}
	if !userIDRegex.MatchString(id) {
		return errors.New("user id contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
