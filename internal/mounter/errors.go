package mounter

import (
	"errors"
	"fmt"
)

var (
	ErrMountPointCreation = errors.New("Create mount point error")
	ErrMountCommand       = errors.New("Mount command error")
	ErrUnmountCommand     = errors.New("unmount command error")

	ErrNotTracked = errors.New("device not tracked")
	ErrBusy       = errors.New("device command already running")
)

// Kind classifies a failed mount or unmount.
type Kind int

const (
	KindMountPointCreation Kind = iota + 1
	KindMountCommand
	KindUnmountCommand
)

func (k Kind) sentinel() error {
	switch k {
	case KindMountPointCreation:
		return ErrMountPointCreation
	case KindMountCommand:
		return ErrMountCommand
	case KindUnmountCommand:
		return ErrUnmountCommand
	default:
		return nil
	}
}

// CommandError reports a failed action on a device. Its message is the one
// returned to registry callers; the cause is kept for logs.
type CommandError struct {
	Kind   Kind
	Device string
	Err    error
}

func (e *CommandError) Error() string {
	if e == nil {
		return "command error"
	}
	if s := e.Kind.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("command error on %s", e.Device)
}

func (e *CommandError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *CommandError) Is(target error) bool {
	if e == nil {
		return false
	}
	return target == e.Kind.sentinel()
}

// Detail includes the underlying cause for logging.
func (e *CommandError) Detail() string {
	if e == nil || e.Err == nil {
		return e.Error()
	}
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Error(), e.Err)
}
