package domain

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrAlreadyRevoked      = errors.New("certificate already revoked")
)
