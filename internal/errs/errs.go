// Package errs defines the error taxonomy shared by every engine component.
//
// Callers branch on Kind (what remediation applies) and Code (the precise
// condition). Error strings are for humans and may change.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable error category.
type Kind string

const (
	KindFormat     Kind = "Format"
	KindPassword   Kind = "Password"
	KindIntegrity  Kind = "Integrity"
	KindCapacity   Kind = "Capacity"
	KindConflict   Kind = "Conflict"
	KindNotMounted Kind = "NotMounted"
	KindDriver     Kind = "Driver"
	KindIO         Kind = "IO"
	KindInput      Kind = "Input"
)

// Code names the exact condition inside a Kind.
type Code string

const (
	NotAContainer      Code = "NotAContainer"
	Truncated          Code = "Truncated"
	CorruptHeader      Code = "CorruptHeader"
	UnsupportedVersion Code = "UnsupportedVersion"

	WrongPassword Code = "WrongPassword"
	EmptyPassword Code = "EmptyPassword"

	AuthFailed Code = "AuthFailed"

	InvalidSize Code = "InvalidSize"
	DiskFull    Code = "DiskFull"
	OutOfRange  Code = "OutOfRange"

	AlreadyMounted Code = "AlreadyMounted"
	LetterInUse    Code = "LetterInUse"
	Busy           Code = "Busy"
	ShuttingDown   Code = "ShuttingDown"

	NotMounted Code = "NotMounted"

	DriverUnavailable Code = "DriverUnavailable"
	AttachFailed      Code = "AttachFailed"
	DetachFailed      Code = "DetachFailed"
	PermissionDenied  Code = "PermissionDenied"

	PathExists Code = "PathExists"
	IOFailed   Code = "IOFailed"

	WeakSalt      Code = "WeakSalt"
	InvalidParams Code = "InvalidParams"
	InvalidLetter Code = "InvalidLetter"
	UnknownCipher Code = "UnknownCipher"
)

// Error is the engine's structured error.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error with the same Kind and Code, so sentinel
// values such as ErrWrongPassword work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// New returns an error of the given kind and code.
func New(kind Kind, code Code, format string, args ...any) error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind and code carrying cause.
func Wrap(kind Kind, code Code, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsKind reports whether err is (or wraps) an *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// CodeOf returns the Code of err, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrWrongPassword  = &Error{Kind: KindPassword, Code: WrongPassword, Message: "wrong password"}
	ErrNotMounted     = &Error{Kind: KindNotMounted, Code: NotMounted, Message: "not mounted"}
	ErrAlreadyMounted = &Error{Kind: KindConflict, Code: AlreadyMounted, Message: "already mounted"}
	ErrLetterInUse    = &Error{Kind: KindConflict, Code: LetterInUse, Message: "drive letter in use"}
	ErrAuthFailed     = &Error{Kind: KindIntegrity, Code: AuthFailed, Message: "sector authentication failed"}
)

// Hint returns a one-line remediation for the user, keyed by Kind.
func Hint(err error) string {
	switch KindOf(err) {
	case KindPassword:
		return "check the password and try again"
	case KindDriver:
		return "check permissions and that the block device driver is available"
	case KindFormat, KindIntegrity:
		return "the container is damaged or not a ved container; treat its contents as lost"
	case KindConflict:
		return "the container or drive letter is already in use"
	case KindNotMounted:
		return "nothing is mounted under that identifier"
	case KindCapacity:
		return "check the requested size and the free space on the target filesystem"
	case KindIO:
		return "check that the container path is accessible"
	}
	return ""
}
