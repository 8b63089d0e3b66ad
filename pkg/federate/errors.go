package federate

import "errors"

var (
	// ErrGrantTimeout means RequestTime exceeded the configured grant wait;
	// the federate received an error grant and broadcast DISCONNECT.
	ErrGrantTimeout = errors.New("federate: grant wait timed out")

	// ErrTimeCoordination means the coordinator entered the error phase from
	// an inconsistent or error-flagged dependency report.
	ErrTimeCoordination = errors.New("federate: time coordination error")

	// ErrInvalidHandle means the handle does not identify one of this
	// federate's interfaces.
	ErrInvalidHandle = errors.New("federate: invalid handle")

	// ErrWrongPhase means the operation is not legal in the current lifecycle
	// phase.
	ErrWrongPhase = errors.New("federate: operation not valid in this phase")

	// ErrFinalizeTimeout means dependents did not acknowledge DISCONNECT in
	// time. Finalize still detaches the federate and stops its worker; the
	// coordinator stays in the finalize phase and does not enter the error
	// phase.
	ErrFinalizeTimeout = errors.New("federate: finalize timed out waiting for dependents")

	// ErrNoMessage means the endpoint queue is empty.
	ErrNoMessage = errors.New("federate: no message available")
)
