package walletdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
)

// BadgerStore keeps wallet records under w/<wallet>/<key>. It does not own
// the database.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

// DB returns the underlying database.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func walletPrefix(tenant models.TenantID) []byte {
	return []byte(constants.WalletKeyPrefix + string(tenant) + "/")
}

func recordKey(tenant models.TenantID, key string) []byte {
	return append(walletPrefix(tenant), key...)
}

func (s *BadgerStore) Put(ctx context.Context, tenant models.TenantID, rec Record, format Format) (Record, error) {
	if err := checkPut(ctx, rec); err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = s.now().UTC()
	val, err := Encode(rec, format)
	if err != nil {
		return Record{}, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(tenant, rec.Key), val)
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to write record %s/%s: %w", tenant, rec.Key, err)
	}
	return rec, nil
}

func (s *BadgerStore) Get(ctx context.Context, tenant models.TenantID, key string) (Record, Format, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, 0, err
	}
	var rec Record
	var format Format
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(tenant, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return constants.ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, format, err = Decode(val)
			return err
		})
	})
	if err != nil {
		return Record{}, 0, fmt.Errorf("wallet %s record %s: %w", tenant, key, err)
	}
	return rec, format, nil
}

func (s *BadgerStore) Delete(ctx context.Context, tenant models.TenantID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(tenant, key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", tenant, key, err)
	}
	return nil
}

func (s *BadgerStore) List(ctx context.Context, tenant models.TenantID) ([]Record, error) {
	var out []Record
	err := s.scan(ctx, tenant, func(rec Record, _ Format) {
		out = append(out, rec)
	})
	return out, err
}

func (s *BadgerStore) Count(ctx context.Context, tenant models.TenantID) (map[Format]int, error) {
	counts := make(map[Format]int)
	err := s.scan(ctx, tenant, func(_ Record, f Format) {
		counts[f]++
	})
	return counts, err
}

func (s *BadgerStore) scan(ctx context.Context, tenant models.TenantID, fn func(rec Record, f Format)) error {
	prefix := walletPrefix(tenant)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec Record
			var format Format
			if err := item.Value(func(val []byte) error {
				var err error
				rec, format, err = Decode(val)
				return err
			}); err != nil {
				return fmt.Errorf("wallet %s record %s: %w", tenant, strings.TrimPrefix(string(item.Key()), string(prefix)), err)
			}
			fn(rec, format)
		}
		return nil
	})
}

type pendingValue struct {
	key []byte
	val []byte
}

func (s *BadgerStore) ConvertBatch(ctx context.Context, tenant models.TenantID, from string, limit int) (int, string, error) {
	prefix := walletPrefix(tenant)
	converted := 0
	var next string
	err := s.db.Update(func(txn *badger.Txn) error {
		var batch []pendingValue
		next = ""

		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: limit})
		for it.Seek(recordKey(tenant, from)); it.Valid(); it.Next() {
			item := it.Item()
			if len(batch) == limit {
				next = strings.TrimPrefix(string(item.Key()), string(prefix))
				break
			}
			var val []byte
			if err := item.Value(func(v []byte) error {
				if len(v) > 0 && Format(v[0]) == FormatCurrent {
					return nil
				}
				var err error
				val, err = Convert(v)
				return err
			}); err != nil {
				it.Close()
				return fmt.Errorf("record %s: %w", item.Key(), err)
			}
			if val != nil {
				batch = append(batch, pendingValue{key: item.KeyCopy(nil), val: val})
			}
		}
		it.Close()

		for _, p := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := txn.Set(p.key, p.val); err != nil {
				return err
			}
		}
		converted = len(batch)
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return converted, next, nil
}
