package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Process exit codes
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // critical audit result
	ExitCommandError = 2
)

// ExitError carries the process exit code of a failed command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// exitError tags err with code, prefixed by msg. A nil err yields msg alone.
func exitError(code int, msg string, err error) *ExitError {
	if err == nil {
		return &ExitError{Code: code, Err: errors.New(msg)}
	}
	return &ExitError{Code: code, Err: fmt.Errorf("%s: %w", msg, err)}
}

// ExitCode maps a command error to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
