package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrIdentityNotFound) {
//	    // handle not found case
//	}
var (
	// ErrIdentityNotFound is returned when no name is stored for an address.
	ErrIdentityNotFound = errors.New("device: identity not found")

	// ErrInvalidIdentity is returned when an address or name is empty or
	// the source is unknown.
	ErrInvalidIdentity = errors.New("device: invalid identity")
)
