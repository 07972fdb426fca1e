// Package sqlstore keeps migration records in a relational database through
// GORM. PostgreSQL is the production target; any GORM dialector that supports
// INSERT ... ON CONFLICT DO NOTHING works, which is how the tests run it on
// SQLite.
//
// Begin is a single conflicting insert on the wallet's primary key, and Finish
// a single UPDATE guarded by "state = in_progress". Both are atomic in the
// database, so no application-level locking is needed.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/recordstore"
)

// migrationRow is the persisted form of models.MigrationRecord.
type migrationRow struct {
	TenantID   string    `gorm:"primaryKey;type:varchar(255)"`
	State      string    `gorm:"type:varchar(20);not null;index"`
	Owner      string    `gorm:"type:varchar(255);not null;default:''"`
	Episode    string    `gorm:"type:varchar(36);not null;default:''"`
	StartedAt  time.Time `gorm:"not null"`
	FinishedAt *time.Time
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (migrationRow) TableName() string {
	return constants.MigrationTable
}

func (r migrationRow) record() models.MigrationRecord {
	rec := models.MigrationRecord{
		Tenant:    models.TenantID(r.TenantID),
		State:     models.MigrationState(r.State),
		Owner:     r.Owner,
		Episode:   r.Episode,
		StartedAt: r.StartedAt.UTC(),
	}
	if r.FinishedAt != nil {
		finished := r.FinishedAt.UTC()
		rec.FinishedAt = &finished
	}
	return rec
}

// Store implements recordstore.Store with GORM.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ recordstore.Store = (*Store)(nil)

// NewPostgresStore connects to PostgreSQL.
func NewPostgresStore(dsn string) (*Store, error) {
	return Open(postgres.Open(dsn))
}

// Open connects through any GORM dialector.
func Open(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the record table. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&migrationRow{}); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", constants.MigrationTable, err)
	}
	return nil
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Get(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	var row migrationRow
	err := s.db.WithContext(ctx).Where("tenant_id = ?", string(tenant)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NoneRecord(tenant), nil
	}
	if err != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("get", tenant, err)
	}
	return row.record(), nil
}

func (s *Store) Begin(ctx context.Context, tenant models.TenantID, owner string) (models.MigrationRecord, error) {
	row := migrationRow{
		TenantID:  string(tenant),
		State:     string(models.StateInProgress),
		Owner:     owner,
		Episode:   uuid.NewString(),
		StartedAt: s.now().UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("begin", tenant, res.Error)
	}
	if res.RowsAffected == 1 {
		return row.record(), nil
	}

	existing, err := s.Get(ctx, tenant)
	if err != nil {
		return models.MigrationRecord{}, err
	}
	return existing, recordstore.Conflict(existing)
}

func (s *Store) Finish(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	finished := s.now().UTC()
	res := s.db.WithContext(ctx).
		Model(&migrationRow{}).
		Where("tenant_id = ? AND state = ?", string(tenant), string(models.StateInProgress)).
		Updates(map[string]any{
			"state":       string(models.StateFinished),
			"finished_at": finished,
		})
	if res.Error != nil {
		return models.MigrationRecord{}, recordstore.Unavailable("finish", tenant, res.Error)
	}

	rec, err := s.Get(ctx, tenant)
	if err != nil {
		return models.MigrationRecord{}, err
	}
	if res.RowsAffected == 0 {
		return rec, recordstore.NotInProgress(rec)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, state models.MigrationState) ([]models.MigrationRecord, error) {
	if state == models.StateNone {
		return nil, nil
	}
	var rows []migrationRow
	err := s.db.WithContext(ctx).Where("state = ?", string(state)).Order("tenant_id").Find(&rows).Error
	if err != nil {
		return nil, recordstore.Unavailable("list", "", err)
	}
	out := make([]models.MigrationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
