// Package sqldata keeps wallet records in a relational database through GORM,
// next to the migration records of package sqlstore.
package sqldata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/walletdata"
)

// recordRow stores the tagged value produced by walletdata.Encode. Format
// duplicates the tag so conversion can select legacy rows in the database.
type recordRow struct {
	TenantID  string `gorm:"primaryKey;type:varchar(255)"`
	RecordKey string `gorm:"primaryKey;type:varchar(255)"`
	Format    int    `gorm:"not null;index"`
	Value     []byte `gorm:"not null"`
}

func (recordRow) TableName() string {
	return constants.WalletRecordTable
}

// Store implements walletdata.Store with GORM. It does not own the
// connection.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ walletdata.Store = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the record table. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&recordRow{}); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", constants.WalletRecordTable, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, tenant models.TenantID, rec walletdata.Record, format walletdata.Format) (walletdata.Record, error) {
	if err := ctx.Err(); err != nil {
		return walletdata.Record{}, err
	}
	if rec.Key == "" {
		return walletdata.Record{}, errors.New("record key is required")
	}
	rec.UpdatedAt = s.now().UTC()
	val, err := walletdata.Encode(rec, format)
	if err != nil {
		return walletdata.Record{}, err
	}
	row := recordRow{TenantID: string(tenant), RecordKey: rec.Key, Format: int(format), Value: val}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"format", "value"}),
	}).Create(&row).Error
	if err != nil {
		return walletdata.Record{}, fmt.Errorf("failed to write record %s/%s: %w", tenant, rec.Key, err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, tenant models.TenantID, key string) (walletdata.Record, walletdata.Format, error) {
	var row recordRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND record_key = ?", string(tenant), key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = constants.ErrRecordNotFound
	}
	if err != nil {
		return walletdata.Record{}, 0, fmt.Errorf("wallet %s record %s: %w", tenant, key, err)
	}
	rec, format, err := walletdata.Decode(row.Value)
	if err != nil {
		return walletdata.Record{}, 0, fmt.Errorf("wallet %s record %s: %w", tenant, key, err)
	}
	return rec, format, nil
}

func (s *Store) Delete(ctx context.Context, tenant models.TenantID, key string) error {
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND record_key = ?", string(tenant), key).
		Delete(&recordRow{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", tenant, key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, tenant models.TenantID) ([]walletdata.Record, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", string(tenant)).
		Order("record_key").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet %s: %w", tenant, err)
	}
	out := make([]walletdata.Record, 0, len(rows))
	for _, row := range rows {
		rec, _, err := walletdata.Decode(row.Value)
		if err != nil {
			return nil, fmt.Errorf("wallet %s record %s: %w", tenant, row.RecordKey, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, tenant models.TenantID) (map[walletdata.Format]int, error) {
	var groups []struct {
		Format int
		N      int
	}
	err := s.db.WithContext(ctx).
		Model(&recordRow{}).
		Select("format, count(*) AS n").
		Where("tenant_id = ?", string(tenant)).
		Group("format").
		Scan(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count wallet %s: %w", tenant, err)
	}
	counts := make(map[walletdata.Format]int, len(groups))
	for _, g := range groups {
		counts[walletdata.Format(g.Format)] = g.N
	}
	return counts, nil
}

func (s *Store) ConvertBatch(ctx context.Context, tenant models.TenantID, from string, limit int) (int, string, error) {
	converted := 0
	next := ""
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []recordRow
		err := tx.
			Where("tenant_id = ? AND record_key >= ? AND format = ?", string(tenant), from, int(walletdata.FormatLegacy)).
			Order("record_key").
			Limit(limit + 1).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) > limit {
			next = rows[limit].RecordKey
			rows = rows[:limit]
		}
		for _, row := range rows {
			val, err := walletdata.Convert(row.Value)
			if err != nil {
				return fmt.Errorf("record %s: %w", row.RecordKey, err)
			}
			err = tx.Model(&recordRow{}).
				Where("tenant_id = ? AND record_key = ? AND format = ?", row.TenantID, row.RecordKey, int(walletdata.FormatLegacy)).
				Updates(map[string]any{"format": int(walletdata.FormatCurrent), "value": val}).Error
			if err != nil {
				return err
			}
		}
		converted = len(rows)
		return nil
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to convert wallet %s: %w", tenant, err)
	}
	return converted, next, nil
}
