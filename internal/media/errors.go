package media

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Class groups acquisition failures by what the user can do about them.
type Class int

const (
	ClassUnknown Class = iota
	ClassPermissionDenied
	ClassNoDevice
	ClassDeviceBusy
	ClassConstraintsUnsatisfiable
)

func (c Class) String() string {
	switch c {
	case ClassPermissionDenied:
		return "permission-denied"
	case ClassNoDevice:
		return "no-device"
	case ClassDeviceBusy:
		return "device-busy"
	case ClassConstraintsUnsatisfiable:
		return "constraints-unsatisfiable"
	}
	return "unknown"
}

// Errors a Devices implementation returns for the well-known failure modes.
var (
	ErrPermissionDenied         = errors.New("permission denied")
	ErrNoDevice                 = errors.New("no such device")
	ErrDeviceBusy               = errors.New("device busy")
	ErrConstraintsUnsatisfiable = errors.New("constraints cannot be satisfied")
)

// Classify maps an acquisition error onto a Class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return ClassPermissionDenied
	case errors.Is(err, ErrNoDevice), errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV):
		return ClassNoDevice
	case errors.Is(err, ErrDeviceBusy), errors.Is(err, syscall.EBUSY):
		return ClassDeviceBusy
	case errors.Is(err, ErrConstraintsUnsatisfiable):
		return ClassConstraintsUnsatisfiable
	}
	return ClassUnknown
}

// Error is a classified acquisition failure. It is always retryable.
type Error struct {
	Class  Class
	Source Source
	Err    error
}

func newError(src Source, err error) *Error {
	return &Error{Class: Classify(err), Source: src, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
