package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrUnknownService     = errors.New("rpc: unknown service")
)

// UnavailableError is returned when a backend cannot be reached or does not
// answer within the call timeout.
type UnavailableError struct {
	Service string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("Service `%s` is unavailable.", e.Service)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrServiceUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }
