package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex validates room ID format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// mimeTypeRegex validates "kind/codec"
	mimeTypeRegex = regexp.MustCompile(`^(audio|video)/[a-zA-Z0-9._-]+$`)
)

const (
	MaxRoomIDLength   = 128
	MaxDisplayNameLen = 64
)

// ValidateRoomID validates a caller-chosen room id.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room_id is required")
	}
	if len(roomID) > MaxRoomIDLength {
		return fmt.Errorf("room_id is too long (max %d characters)", MaxRoomIDLength)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room_id format")
	}
	return nil
}

// ValidateDisplayName validates a peer display name.
func ValidateDisplayName(name string) error {
	if err := ValidateNonEmptyString(name, "name"); err != nil {
		return err
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("name contains invalid characters")
	}
	return ValidateStringLength(name, 1, MaxDisplayNameLen, "name")
}

// ValidateID validates a server-issued id echoed back by a client.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > MaxRoomIDLength {
		return fmt.Errorf("%s is too long", fieldName)
	}
	return nil
}

// ValidateMimeType validates a codec mime type such as "video/VP8".
func ValidateMimeType(mimeType string) error {
	if !mimeTypeRegex.MatchString(mimeType) {
		return fmt.Errorf("invalid mime type %q", mimeType)
	}
	return nil
}

// ValidateIP validates an IP literal.
func ValidateIP(ip, fieldName string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%s must be an IP address", fieldName)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
