// Package surrealstore keeps migration records in SurrealDB.
//
// Each wallet maps to the fixed record id wallet_migration:⟨wallet⟩. Begin is
// a CREATE on that id, which SurrealDB rejects when the record exists, so the
// first writer wins without a transaction. Finish is an UPDATE guarded by
// WHERE state = 'in_progress'; it matches nothing for any other state.
package surrealstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/recordstore"
)

const (
	queryGet = `SELECT tenant, state, owner, episode, started_at, finished_at
		FROM type::thing($tb, $tenant)`

	queryBegin = `CREATE type::thing($tb, $tenant) CONTENT {
		tenant: $tenant,
		state: $state,
		owner: $owner,
		episode: $episode,
		started_at: $started_at
	} RETURN tenant, state, owner, episode, started_at, finished_at`

	queryFinish = `UPDATE type::thing($tb, $tenant)
		SET state = $finished, finished_at = $finished_at
		WHERE state = $in_progress
		RETURN AFTER`

	queryList = `SELECT tenant, state, owner, episode, started_at, finished_at
		FROM type::table($tb) WHERE state = $state ORDER BY tenant`
)

// Config holds the connection settings.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// row is the document layout. Times are RFC 3339 strings so the record reads
// the same from any SurrealDB client.
type row struct {
	Tenant     string  `json:"tenant"`
	State      string  `json:"state"`
	Owner      string  `json:"owner"`
	Episode    string  `json:"episode"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

func (r row) record() (models.MigrationRecord, error) {
	rec := models.MigrationRecord{
		Tenant:  models.TenantID(r.Tenant),
		State:   models.MigrationState(r.State),
		Owner:   r.Owner,
		Episode: r.Episode,
	}
	if !rec.State.Valid() {
		return models.MigrationRecord{}, fmt.Errorf("unknown state %q", r.State)
	}
	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, r.StartedAt); err != nil {
		return models.MigrationRecord{}, fmt.Errorf("bad started_at: %w", err)
	}
	if r.FinishedAt != nil {
		finished, err := time.Parse(time.RFC3339Nano, *r.FinishedAt)
		if err != nil {
			return models.MigrationRecord{}, fmt.Errorf("bad finished_at: %w", err)
		}
		rec.FinishedAt = &finished
	}
	return rec, nil
}

// Store implements recordstore.Store on SurrealDB.
type Store struct {
	db  *surrealdb.DB
	now func() time.Time
}

var _ recordstore.Store = (*Store)(nil)

// New connects, signs in when credentials are given and selects the
// namespace and database.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *surrealdb.DB {
	return s.db
}

// query runs a single statement and returns its rows. A statement that
// SurrealDB reports as failed is returned as an error.
func (s *Store) query(ctx context.Context, sql string, vars map[string]any) ([]row, error) {
	res, err := surrealdb.Query[[]row](ctx, s.db, sql, vars)
	if err != nil {
		return nil, err
	}
	if res == nil || len(*res) == 0 {
		return nil, nil
	}
	first := (*res)[0]
	if first.Status != "" && first.Status != "OK" {
		return nil, fmt.Errorf("statement status %s", first.Status)
	}
	return first.Result, nil
}

func (s *Store) Get(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	rows, err := s.query(ctx, queryGet, map[string]any{
		"tb":     constants.MigrationTable,
		"tenant": string(tenant),
	})
	if err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("get", tenant, err)
	}
	if len(rows) == 0 {
		return models.NoneRecord(tenant), nil
	}
	rec, err := rows[0].record()
	if err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("get", tenant, err)
	}
	return rec, nil
}

func (s *Store) Begin(ctx context.Context, tenant models.TenantID, owner string) (models.MigrationRecord, error) {
	started := s.now().UTC()
	rows, err := s.query(ctx, queryBegin, map[string]any{
		"tb":         constants.MigrationTable,
		"tenant":     string(tenant),
		"state":      string(models.StateInProgress),
		"owner":      owner,
		"episode":    uuid.NewString(),
		"started_at": started.Format(time.RFC3339Nano),
	})
	if err == nil && len(rows) == 1 {
		return rows[0].record()
	}

	// CREATE fails when the id is taken. The error text differs between
	// server versions, so the current record decides what happened.
	existing, getErr := s.Get(ctx, tenant)
	if getErr != nil {
		return models.MigrationRecord{}, getErr
	}
	if existing.State == models.StateNone {
		if err == nil {
			err = errors.New("create returned no record")
		}
		return models.MigrationRecord{}, recordstore.Unavailable("begin", tenant, err)
	}
	return existing, recordstore.Conflict(existing)
}

func (s *Store) Finish(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	finished := s.now().UTC().Format(time.RFC3339Nano)
	rows, err := s.query(ctx, queryFinish, map[string]any{
		"tb":          constants.MigrationTable,
		"tenant":      string(tenant),
		"finished":    string(models.StateFinished),
		"in_progress": string(models.StateInProgress),
		"finished_at": finished,
	})
	if err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("finish", tenant, err)
	}
	if len(rows) == 1 {
		rec, err := rows[0].record()
		if err != nil {
			return models.MigrationRecord{}, recordstore.Unavailable("finish", tenant, err)
		}
		return rec, nil
	}

	rec, err := s.Get(ctx, tenant)
	if err != nil {
		return models.MigrationRecord{}, err
	}
	return rec, recordstore.NotInProgress(rec)
}

func (s *Store) List(ctx context.Context, state models.MigrationState) ([]models.MigrationRecord, error) {
	if state == models.StateNone {
		return nil, nil
	}
	rows, err := s.query(ctx, queryList, map[string]any{
		"tb":    constants.MigrationTable,
		"state": string(state),
	})
	if err != nil {
		return nil, recordstore.Unavailable("list", "", err)
	}
	out := make([]models.MigrationRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, recordstore.Unavailable("list", models.TenantID(r.Tenant), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Reset removes every migration record. It exists for tests and operators
// rebuilding a staging environment.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, s.db, "REMOVE TABLE IF EXISTS "+constants.MigrationTable, nil); err != nil {
		return fmt.Errorf("failed to remove table %s: %w", constants.MigrationTable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close(context.Background())
}
