package constants

import "errors"

// Migration record errors
var (
	ErrAlreadyInProgress = errors.New("wallet migration already in progress")
	ErrAlreadyFinished   = errors.New("wallet migration already finished")
	ErrNotInProgress     = errors.New("wallet migration is not in progress")
	ErrStoreUnavailable  = errors.New("migration record store unavailable")
)

// Request and worker errors
var (
	ErrMigrationInProgress = errors.New("wallet temporarily unavailable: migration in progress")
	ErrConversionFailed    = errors.New("wallet conversion failed")
	ErrWorkerHalted        = errors.New("migration worker halted after an invalid state transition")
	ErrWorkerClosed        = errors.New("migration worker closed")
	ErrInvalidTenant       = errors.New("invalid wallet id")
	ErrRecordNotFound      = errors.New("wallet record not found")
)
