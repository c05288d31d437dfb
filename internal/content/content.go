package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy = bluemonday.StrictPolicy()

	htmlPolicy = bluemonday.UGCPolicy()

	markdown = goldmark.New()

	usernameRegex = regexp.MustCompile(`^[a-z0-9._-]+$`)
)

// Sanitize strips all HTML from user input. Used for message text, display
// names and profile fields before they are stored.
func Sanitize(input string) string {
	return strings.TrimSpace(policy.Sanitize(input))
}

// RenderMarkdown converts message text to HTML for the web client and
// sanitizes the result with a UGC policy.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return htmlPolicy.Sanitize(buf.String()), nil
}

// NormalizeUsername lowercases and trims a username, matching the
// case-normalized uniqueness rule of the actor directory.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername checks a normalized username: non-empty, only
// alphanumerics, dot, dash and underscore.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
