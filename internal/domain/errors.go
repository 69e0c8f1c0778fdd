package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrRemoteUnavailable     = errors.New("remote unavailable")
	ErrChannelDeliveryFailed = errors.New("channel delivery failed")
	ErrStorageUnavailable    = errors.New("storage unavailable")
)

// ValidationError is the only failure the reminder operations surface to the user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
