package jobrt

import "errors"

// Sentinel errors callers can match with errors.Is.
var (
	ErrUnknownPool      = errors.New("jobrt: unknown pool")
	ErrDuplicatePool    = errors.New("jobrt: pool already exists")
	ErrHandlerMissing   = errors.New("jobrt: no handler registered for pool")
	ErrJobNotFound      = errors.New("jobrt: job not found")
	ErrWorkerNotFound   = errors.New("jobrt: worker not found")
	ErrSubstrateDown    = errors.New("jobrt: queue substrate unavailable")
	ErrDuplicateHandler = errors.New("jobrt: handler already registered for pool")
)
