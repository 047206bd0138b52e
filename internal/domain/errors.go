package domain

import "errors"

// Error taxonomy shared by every component. Callers wrap these with
// fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	// ErrInvalidAddress is a malformed node, service or plugin identifier.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNotFound is an unknown ServiceID.
	ErrNotFound = errors.New("service not found")
	// ErrAlreadyExists is a duplicate create.
	ErrAlreadyExists = errors.New("service already exists")
	// ErrForbidden is an access-control rejection.
	ErrForbidden = errors.New("forbidden")
	// ErrUnreachable is a transport-level send failure.
	ErrUnreachable = errors.New("unreachable")
)
