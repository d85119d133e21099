package media

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

type AcquireKind string

const (
	PermissionDenied    AcquireKind = "permission_denied"
	DeviceNotFound      AcquireKind = "device_not_found"
	DeviceBusy          AcquireKind = "device_busy"
	ConstraintViolation AcquireKind = "constraint_violation"
)

// AcquireError is returned when local capture devices cannot be opened.
type AcquireError struct {
	Kind AcquireKind
	Err  error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire media (%s): %v", e.Kind, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// ClassifyAcquire maps a device error onto an AcquireKind. Errno values win
// over message text. Anything unrecognised is reported as a constraint
// violation so it never asks the user to fix hardware that may be fine.
func ClassifyAcquire(err error) *AcquireError {
	if err == nil {
		return nil
	}
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return &AcquireError{Kind: PermissionDenied, Err: err}
	case errors.Is(err, syscall.EBUSY):
		return &AcquireError{Kind: DeviceBusy, Err: err}
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return &AcquireError{Kind: DeviceNotFound, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "not allowed"):
		return &AcquireError{Kind: PermissionDenied, Err: err}
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return &AcquireError{Kind: DeviceBusy, Err: err}
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "overconstrained"),
		strings.Contains(msg, "unsupported"), strings.Contains(msg, "no matching"):
		return &AcquireError{Kind: ConstraintViolation, Err: err}
	case strings.Contains(msg, "no such device"), strings.Contains(msg, "device not found"),
		strings.Contains(msg, "no devices"):
		return &AcquireError{Kind: DeviceNotFound, Err: err}
	}
	return &AcquireError{Kind: ConstraintViolation, Err: err}
}
