// Package cliutil holds the shared {success, error} envelope and the
// exit-code mapping the cmd/steroids command tree reports through: the
// resolved --json bool is passed down into one shared formatting helper
// rather than each command re-implementing it.
package cliutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/steroids-run/steroids/internal/errs"
)

// Envelope is the JSON shape every command emits under --json.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the error half of Envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PrintJSON emits a successful envelope to stdout.
func PrintJSON(data interface{}) {
	_ = json.NewEncoder(os.Stdout).Encode(Envelope{Success: true, Data: data})
}

// exitCode maps an error to the documented exit-code table: 0
// success, 1 general, 4 lock not found, 5 permission denied, 6 task
// locked. Every other typed error is "general" — only these three carry a
// distinct contract with callers that script against exit codes.
func exitCode(err error) int {
	var lockNotFound *errs.LockNotFoundError
	var permissionDenied *errs.PermissionDeniedError
	var taskLocked *errs.TaskLockedError
	switch {
	case errors.As(err, &lockNotFound):
		return 4
	case errors.As(err, &permissionDenied):
		return 5
	case errors.As(err, &taskLocked):
		return 6
	default:
		return 1
	}
}

// errorCode names the taxonomy member for the JSON envelope's error.code,
// independent of the numeric exit code (several typed errors share exit
// code 1 but should still be individually identifiable in --json output).
func errorCode(err error) string {
	switch {
	case asAny[*errs.LockNotFoundError](err):
		return "lock_not_found"
	case asAny[*errs.PermissionDeniedError](err):
		return "permission_denied"
	case asAny[*errs.TaskLockedError](err):
		return "task_locked"
	case asAny[*errs.ChecksumMismatchError](err):
		return "checksum_mismatch"
	case asAny[*errs.ActivityTimeoutError](err):
		return "activity_timeout"
	case asAny[*errs.CreditExhaustionError](err):
		return "credit_exhaustion"
	case asAny[*errs.ProviderUnavailableError](err):
		return "provider_unavailable"
	case asAny[*errs.CancellationRequestedError](err):
		return "cancellation_requested"
	case asAny[*errs.DBBusyError](err):
		return "db_busy"
	default:
		return "general"
	}
}

func asAny[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// Fatal reports err per the --json contract
// and exits with the mapped code.
func Fatal(jsonOutput bool, err error) {
	if jsonOutput {
		_ = json.NewEncoder(os.Stdout).Encode(Envelope{
			Success: false,
			Error:   &ErrorBody{Code: errorCode(err), Message: err.Error()},
		})
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}
