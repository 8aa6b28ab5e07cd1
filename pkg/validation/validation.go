package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMeetingID checks that id is a canonical UUID, the key format of
// meetings in the backend.
func ValidateMeetingID(id string) error {
	if id == "" {
		return fmt.Errorf("meeting ID is required")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid meeting ID format: %w", err)
	}
	if parsed.String() != strings.ToLower(id) {
		return fmt.Errorf("meeting ID must be in canonical form")
	}
	return nil
}

// ValidateUsername validates a display name carried in a token or fixture.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if utf8.RuneCountInString(username) > 150 {
		return fmt.Errorf("username is too long (max 150 characters)")
	}
	if !utf8.ValidString(username) {
		return fmt.Errorf("username contains invalid characters")
	}
	return nil
}

// ValidateOrigin validates an allowed-origin entry from configuration.
func ValidateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("origin must have a host")
	}
	return nil
}

// ValidateICEURL validates a STUN or TURN server URL.
func ValidateICEURL(raw string) error {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(raw, scheme) && len(raw) > len(scheme) {
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q (must start with stun:, stuns:, turn: or turns:)", raw)
}
