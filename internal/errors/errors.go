package errors

import (
	"errors"
	"strings"
)

// Failure taxonomy shared by the moderation core. Call sites wrap these with
// fmt.Errorf("...: %w", ...) so callers can classify with errors.Is.
var (
	ErrTransportFailure   = errors.New("transport failure")
	ErrOracleFailure      = errors.New("oracle failure")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrConfiguration      = errors.New("configuration error")

	ErrNoPrivileges = errors.New("no privileges")
	ErrNotFound     = errors.New("not found")
)

const msgNoPrivileges = "not enough rights"

// WithPrivilegeError maps platform "not enough rights" responses onto ErrNoPrivileges.
func WithPrivilegeError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), msgNoPrivileges) {
		return errors.Join(ErrNoPrivileges, err)
	}
	return err
}
