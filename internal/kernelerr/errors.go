// Package kernelerr defines the numeric-coded error kinds raised by the kernel.
//
// Codes are grouped by the component that raises them. Callers match on kind with
// errors.Is against the exported sentinels, or read the code with CodeOf.
package kernelerr

import (
	"errors"
	"fmt"
)

type Code int

const (
	// Module loading.
	CodeExposeNotFound     Code = 1001
	CodeDependencyNotFound Code = 1002

	// Extensions.
	CodeSetupFailed Code = 2001
	CodeApplyFailed Code = 2002
	CodeFilterError Code = 2003

	// Bootstrap.
	CodeBootstrapFailed Code = 3001

	// Manifests and graphs.
	CodeManifestFetchFailed Code = 4001
	CodeManifestParseFailed Code = 4002
	CodeDependencyCycle     Code = 4003

	// Transport.
	CodeEntryNotLoaded Code = 5001
	CodeEntryFailed    Code = 5002
)

var codeNames = map[Code]string{
	CodeExposeNotFound:      "ExposeNotFound",
	CodeDependencyNotFound:  "DependencyNotFound",
	CodeSetupFailed:         "SetupFailed",
	CodeApplyFailed:         "ApplyFailed",
	CodeFilterError:         "FilterError",
	CodeBootstrapFailed:     "BootstrapFailed",
	CodeManifestFetchFailed: "ManifestFetchFailed",
	CodeManifestParseFailed: "ManifestParseFailed",
	CodeDependencyCycle:     "DependencyCycle",
	CodeEntryNotLoaded:      "EntryNotLoaded",
	CodeEntryFailed:         "EntryFailed",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Sentinels for errors.Is matching by kind.
var (
	ErrExposeNotFound      = &Error{Code: CodeExposeNotFound}
	ErrDependencyNotFound  = &Error{Code: CodeDependencyNotFound}
	ErrSetupFailed         = &Error{Code: CodeSetupFailed}
	ErrApplyFailed         = &Error{Code: CodeApplyFailed}
	ErrFilterError         = &Error{Code: CodeFilterError}
	ErrBootstrapFailed     = &Error{Code: CodeBootstrapFailed}
	ErrManifestFetchFailed = &Error{Code: CodeManifestFetchFailed}
	ErrManifestParseFailed = &Error{Code: CodeManifestParseFailed}
	ErrDependencyCycle     = &Error{Code: CodeDependencyCycle}
	ErrEntryNotLoaded      = &Error{Code: CodeEntryNotLoaded}
	ErrEntryFailed         = &Error{Code: CodeEntryFailed}
)

// Error is a coded kernel error. Op names the failing operation and the subject
// (for example "setup provider@1.0.0::auth").
type Error struct {
	Code Code
	Op   string
	Err  error
}

func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func Newf(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return fmt.Sprintf("kernel error %d (%s)", int(e.Code), e.Code)
	case e.Err == nil:
		return fmt.Sprintf("%s: kernel error %d (%s)", e.Op, int(e.Code), e.Code)
	case e.Op == "":
		return fmt.Sprintf("kernel error %d (%s): %v", int(e.Code), e.Code, e.Err)
	}
	return fmt.Sprintf("%s: kernel error %d (%s): %v", e.Op, int(e.Code), e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the outermost coded error in err's chain, or 0.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
