package cli

import (
	"errors"
	"fmt"

	"github.com/tOgg1/parley/internal/models"
)

// Process exit codes.
const (
	ExitCodeFailure     = 1
	ExitCodeUsage       = 2
	ExitCodeUnavailable = 3
	ExitCodeConflict    = 4
)

// ExitError carries a process exit code. Printed is set when the command
// already reported the failure to the user.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exitf builds an ExitError from a format string.
func Exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// exitFor maps a core error onto an exit code.
func exitFor(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	switch {
	case errors.Is(err, models.ErrStoreUnavailable):
		return &ExitError{Code: ExitCodeUnavailable, Err: err}
	case errors.Is(err, models.ErrThreadResolved),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrTransitionConflict),
		errors.Is(err, models.ErrNotSupportThread):
		return &ExitError{Code: ExitCodeConflict, Err: err}
	default:
		return &ExitError{Code: ExitCodeFailure, Err: err}
	}
}
