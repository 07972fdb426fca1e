// Package recordstore defines the durable migration record: one fact per
// wallet stating whether its format migration never started, is in progress
// or has finished.
//
// The record is the only resource shared between processes. Begin is the only
// operation that needs mutual exclusion, and every implementation obtains it
// from the storage engine's own conditional write (a transaction conflict in
// badger, an ON CONFLICT insert in SQL, a CREATE on a fixed record id in
// SurrealDB). No lock service is involved.
//
// Implementations live in sub-packages:
//   - [github.com/surrealdb/walletmigrate/pkg/recordstore/memory]: in-process, for tests and single-node use
//   - [github.com/surrealdb/walletmigrate/pkg/recordstore/badgerstore]: the embedded engine that also stores wallet data
//   - [github.com/surrealdb/walletmigrate/pkg/recordstore/sqlstore]: GORM, PostgreSQL in production
//   - [github.com/surrealdb/walletmigrate/pkg/recordstore/surrealstore]: SurrealDB
package recordstore

import (
	"context"
	"fmt"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
)

// Reader is the read side used by the request gate and the pollers.
type Reader interface {
	// Get returns the wallet's record, or a record in models.StateNone when
	// the wallet never started migrating.
	Get(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error)
}

// Store is the full migration record store.
type Store interface {
	Reader

	// Begin atomically creates the in-progress record. Exactly one of any
	// number of concurrent callers for the same wallet succeeds; the others
	// get constants.ErrAlreadyInProgress, or constants.ErrAlreadyFinished when
	// the record is terminal, together with the existing record.
	Begin(ctx context.Context, tenant models.TenantID, owner string) (models.MigrationRecord, error)

	// Finish moves an in-progress record to finished. Any other starting state
	// yields an *InvalidTransitionError.
	Finish(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error)

	// List returns every record in the given state. models.StateNone is not
	// persisted and yields an empty list.
	List(ctx context.Context, state models.MigrationState) ([]models.MigrationRecord, error)

	Close() error
}

// InvalidTransitionError reports a Finish on a record that is not in
// progress. It means in-memory and durable state have diverged.
type InvalidTransitionError struct {
	Tenant models.TenantID
	From   models.MigrationState
	To     models.MigrationState

	// Episode is the episode of the record found, if any.
	Episode string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid migration transition for wallet %s: %s -> %s", e.Tenant, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == constants.ErrNotInProgress
}

// Unavailable wraps an engine failure so callers can tell it apart from
// contention and invalid transitions.
func Unavailable(op string, tenant models.TenantID, err error) error {
	if tenant == "" {
		return fmt.Errorf("%w: %s: %w", constants.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s %s: %w", constants.ErrStoreUnavailable, op, tenant, err)
}

// Conflict returns the error Begin reports when rec already exists.
func Conflict(rec models.MigrationRecord) error {
	if rec.State == models.StateFinished {
		return fmt.Errorf("wallet %s: %w", rec.Tenant, constants.ErrAlreadyFinished)
	}
	return fmt.Errorf("wallet %s owned by %s: %w", rec.Tenant, rec.Owner, constants.ErrAlreadyInProgress)
}

// NotInProgress returns the error Finish reports for rec.
func NotInProgress(rec models.MigrationRecord) error {
	return &InvalidTransitionError{Tenant: rec.Tenant, From: rec.State, To: models.StateFinished, Episode: rec.Episode}
}
