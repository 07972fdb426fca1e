// Package memory is an in-process migration record store. Several gates and
// workers sharing one Store behave like processes sharing one database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/recordstore"
)

type Store struct {
	mu      sync.Mutex
	records map[models.TenantID]models.MigrationRecord
	now     func() time.Time
}

var _ recordstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records: make(map[models.TenantID]models.MigrationRecord),
		now:     time.Now,
	}
}

func (s *Store) Get(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("get", tenant, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[tenant]; ok {
		return rec, nil
	}
	return models.NoneRecord(tenant), nil
}

func (s *Store) Begin(ctx context.Context, tenant models.TenantID, owner string) (models.MigrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("begin", tenant, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[tenant]; ok {
		return rec, recordstore.Conflict(rec)
	}
	rec := models.MigrationRecord{
		Tenant:    tenant,
		State:     models.StateInProgress,
		Owner:     owner,
		Episode:   uuid.NewString(),
		StartedAt: s.now().UTC(),
	}
	s.records[tenant] = rec
	return rec, nil
}

func (s *Store) Finish(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("finish", tenant, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[tenant]
	if !ok {
		rec = models.NoneRecord(tenant)
	}
	if rec.State != models.StateInProgress {
		return rec, recordstore.NotInProgress(rec)
	}
	finished := s.now().UTC()
	rec.State = models.StateFinished
	rec.FinishedAt = &finished
	s.records[tenant] = rec
	return rec, nil
}

func (s *Store) List(ctx context.Context, state models.MigrationState) ([]models.MigrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, recordstore.Unavailable("list", "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MigrationRecord
	for _, rec := range s.records {
		if rec.State == state {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
