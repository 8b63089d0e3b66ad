package broker

import "errors"

// Registration errors are reported to the caller; the federate remains usable.
var (
	// ErrDuplicateName means the interface or federate name is already taken.
	ErrDuplicateName = errors.New("broker: duplicate name")

	// ErrUnknownTarget means a link or subscription target does not resolve.
	ErrUnknownTarget = errors.New("broker: unknown target")

	// ErrInvalidHandle means the handle does not identify a registered
	// interface.
	ErrInvalidHandle = errors.New("broker: invalid handle")

	// ErrUnknownFederate means the federate id is not registered.
	ErrUnknownFederate = errors.New("broker: unknown federate")

	// ErrZeroDeltaCycle means a dependency registration would close a cycle in
	// which every federate has a zero minimum time delta, which can never
	// advance.
	ErrZeroDeltaCycle = errors.New("broker: dependency cycle with zero minimum time delta")
)
