package admission

import (
	"fmt"
	"net/mail"
	"strings"
)

const minPasswordLen = 6

// ValidateEmail checks the address against standard mailbox grammar. The
// input must be a bare address, not a display-name form.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: malformed email address", ErrInvalidInput)
	}
	if !strings.Contains(addr.Address[strings.Index(addr.Address, "@"):], ".") {
		return fmt.Errorf("%w: malformed email address", ErrInvalidInput)
	}
	return nil
}

// ValidatePassword enforces the minimum password length for new accounts.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	return nil
}
