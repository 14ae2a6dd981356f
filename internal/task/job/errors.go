package job

import (
	"errors"
	"fmt"
)

var ErrRequired = errors.New("required")

// RegistrationError rejects a descriptor before anything is scheduled.
type RegistrationError struct {
	Source string
	Field  string
	Err    error
}

func (e *RegistrationError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("register: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("register %q: %s: %v", e.Source, e.Field, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// IsRegistration reports whether err is (or wraps) a *RegistrationError.
func IsRegistration(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re)
}
