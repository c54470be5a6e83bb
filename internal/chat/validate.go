package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validation limits for user supplied fields.
const (
	MinFieldLength    = 3
	MaxNameLength     = 50
	MaxRoomNameLength = 100
	MaxAvatarLength   = 2048
	MaxMessageLength  = 5000
	MaxTypingLength   = 5000
)

// ValidateUser checks the identity fields supplied on login.
func ValidateUser(u User) error {
	if err := validateField("id", u.ID, MaxNameLength); err != nil {
		return err
	}
	if err := validateField("name", u.Name, MaxNameLength); err != nil {
		return err
	}
	if err := ValidateRoomName(u.Room); err != nil {
		return err
	}
	return validateField("avatarSrc", u.AvatarSrc, MaxAvatarLength)
}

// ValidateRoomName checks a room key.
func ValidateRoomName(name string) error {
	return validateField("room", name, MaxRoomNameLength)
}

// ValidateMessageBody checks the text of a new or edited message.
func ValidateMessageBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("message cannot be empty: %w", ErrInvalid)
	}
	if len(body) > MaxMessageLength {
		return fmt.Errorf("message exceeds %d bytes: %w", MaxMessageLength, ErrInvalid)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("message is not valid UTF-8: %w", ErrInvalid)
	}
	return nil
}

// ValidateTypingText checks a typing preview. Empty text is allowed.
func ValidateTypingText(text string) error {
	if len(text) > MaxTypingLength {
		return fmt.Errorf("typing text exceeds %d bytes: %w", MaxTypingLength, ErrInvalid)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("typing text is not valid UTF-8: %w", ErrInvalid)
	}
	return nil
}

func validateField(field, value string, maxLen int) error {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	switch {
	case !utf8.ValidString(value):
		return fmt.Errorf("%s is not valid UTF-8: %w", field, ErrInvalid)
	case n < MinFieldLength:
		return fmt.Errorf("%s must be at least %d characters: %w", field, MinFieldLength, ErrInvalid)
	case len(value) > maxLen:
		return fmt.Errorf("%s exceeds %d bytes: %w", field, maxLen, ErrInvalid)
	}
	return nil
}
