// Package badgerstore keeps migration records in the same badger instance as
// the wallet data, so a record and the data it describes share one crash
// boundary.
//
// Begin relies on badger's optimistic transactions: two transactions that both
// read an absent key and then write it cannot both commit, the second one
// fails with badger.ErrConflict and is reported as contention.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/recordstore"
)

// Store implements recordstore.Store on top of an open badger database.
// It does not own the database unless created with Open.
type Store struct {
	db     *badger.DB
	owned  bool
	encode cbor.EncMode
	now    func() time.Time
}

var _ recordstore.Store = (*Store)(nil)

// New wraps an existing database, typically the one holding wallet data.
func New(db *badger.DB) (*Store, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}
	return &Store{db: db, encode: enc, now: time.Now}, nil
}

// Open opens a database at path for records only. An empty path opens an
// in-memory database.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func key(tenant models.TenantID) []byte {
	return []byte(constants.MigrationKeyPrefix + string(tenant))
}

func (s *Store) decode(val []byte) (models.MigrationRecord, error) {
	var rec models.MigrationRecord
	if err := cbor.Unmarshal(val, &rec); err != nil {
		return rec, fmt.Errorf("decode migration record: %w", err)
	}
	return rec, nil
}

func (s *Store) read(txn *badger.Txn, tenant models.TenantID) (models.MigrationRecord, bool, error) {
	item, err := txn.Get(key(tenant))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.NoneRecord(tenant), false, nil
	}
	if err != nil {
		return models.MigrationRecord{}, false, err
	}
	var rec models.MigrationRecord
	err = item.Value(func(val []byte) error {
		rec, err = s.decode(val)
		return err
	})
	return rec, err == nil, err
}

func (s *Store) write(txn *badger.Txn, rec models.MigrationRecord) error {
	val, err := s.encode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode migration record: %w", err)
	}
	return txn.Set(key(rec.Tenant), val)
}

func (s *Store) Get(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("get", tenant, err)
	}
	var rec models.MigrationRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, _, err = s.read(txn, tenant)
		return err
	})
	if err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("get", tenant, err)
	}
	return rec, nil
}

// errExists aborts a transaction that found the record already present.
var errExists = errors.New("record exists")

func (s *Store) Begin(ctx context.Context, tenant models.TenantID, owner string) (models.MigrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("begin", tenant, err)
	}
	var rec models.MigrationRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, found, err := s.read(txn, tenant)
		if err != nil {
			return err
		}
		if found {
			rec = existing
			return errExists
		}
		rec = models.MigrationRecord{
			Tenant:    tenant,
			State:     models.StateInProgress,
			Owner:     owner,
			Episode:   uuid.NewString(),
			StartedAt: s.now().UTC(),
		}
		return s.write(txn, rec)
	})
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, errExists):
		return rec, recordstore.Conflict(rec)
	case errors.Is(err, badger.ErrConflict):
		// Another transaction committed the record first.
		winner, getErr := s.Get(ctx, tenant)
		if getErr != nil {
			return models.MigrationRecord{}, getErr
		}
		return winner, recordstore.Conflict(winner)
	default:
		return models.MigrationRecord{}, recordstore.Unavailable("begin", tenant, err)
	}
}

// errNotInProgress aborts a transaction that found the record in the wrong state.
var errNotInProgress = errors.New("record not in progress")

func (s *Store) Finish(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("finish", tenant, err)
	}
	var rec models.MigrationRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		rec, _, err = s.read(txn, tenant)
		if err != nil {
			return err
		}
		if rec.State != models.StateInProgress {
			return errNotInProgress
		}
		finished := s.now().UTC()
		rec.State = models.StateFinished
		rec.FinishedAt = &finished
		return s.write(txn, rec)
	})
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, errNotInProgress):
		return rec, recordstore.NotInProgress(rec)
	default:
		return models.MigrationRecord{}, recordstore.Unavailable("finish", tenant, err)
	}
}

func (s *Store) List(ctx context.Context, state models.MigrationState) ([]models.MigrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, recordstore.Unavailable("list", "", err)
	}
	var out []models.MigrationRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(constants.MigrationKeyPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := s.decode(val)
				if err != nil {
					return err
				}
				if rec.State == state {
					out = append(out, rec)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("%s: %w", strings.TrimPrefix(string(it.Item().Key()), constants.MigrationKeyPrefix), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, recordstore.Unavailable("list", "", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out, nil
}

// Close closes the database only when the store opened it itself.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
