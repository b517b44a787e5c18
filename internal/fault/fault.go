// Package fault defines the error kinds shared by the guiding packages.
//
// Every fatal or recoverable condition carries a Kind, so callers can branch
// with errors.Is(err, fault.ErrStarNotFound) without parsing messages, plus a
// human readable cause for logs and observers.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a guiding error.
type Kind int

const (
	Unknown Kind = iota
	DegenerateCalibration
	Uncalibrated
	StarNotFound
	SizeMismatch
	BadStateTransition
	HardwareIOFailure
	NoImage
	TrackingLost
)

var kindNames = map[Kind]string{
	Unknown:               "unknown",
	DegenerateCalibration: "degenerate calibration",
	Uncalibrated:          "uncalibrated",
	StarNotFound:          "star not found",
	SizeMismatch:          "size mismatch",
	BadStateTransition:    "bad state transition",
	HardwareIOFailure:     "hardware I/O failure",
	NoImage:               "no image",
	TrackingLost:          "tracking lost",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a typed guiding error. Err, when set, is the underlying cause
// (a GPIO write error, a decoder error, ...).
type Error struct {
	Kind  Kind
	Cause string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Cause != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Cause, e.Err)
	case e.Cause != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrDegenerateCalibration = &Error{Kind: DegenerateCalibration}
	ErrUncalibrated          = &Error{Kind: Uncalibrated}
	ErrStarNotFound          = &Error{Kind: StarNotFound}
	ErrSizeMismatch          = &Error{Kind: SizeMismatch}
	ErrBadStateTransition    = &Error{Kind: BadStateTransition}
	ErrHardwareIOFailure     = &Error{Kind: HardwareIOFailure}
	ErrNoImage               = &Error{Kind: NoImage}
	ErrTrackingLost          = &Error{Kind: TrackingLost}
)

// New returns an error of the given kind with a formatted cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and a formatted cause to err. Wrap returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Fatal reports whether an error of this kind ends a guiding session.
func Fatal(err error) bool {
	switch KindOf(err) {
	case HardwareIOFailure, NoImage, TrackingLost:
		return true
	}
	return false
}
