package validator

import (
	"errors"
	"unicode"
	"unicode/utf8"
)

// MaxUserIDLength matches the owner column width
const MaxUserIDLength = 255

var (
	ErrUserIDTooLong = errors.New("user id exceeds 255 bytes")
	ErrUserIDInvalid = errors.New("user id must be valid UTF-8 without control characters")
)

// UserID checks an opaque caller identity before it is used as an owner key
func UserID(id string) error {
	if len(id) > MaxUserIDLength {
		return ErrUserIDTooLong
	}
	if !utf8.ValidString(id) {
		return ErrUserIDInvalid
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return ErrUserIDInvalid
		}
	}
	return nil
}
