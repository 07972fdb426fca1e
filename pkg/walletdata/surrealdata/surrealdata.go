// Package surrealdata keeps wallet records in SurrealDB, in the database that
// holds the migration records of package surrealstore.
//
// Each record maps to the id wallet_record:[⟨wallet⟩, ⟨key⟩]. Values are the
// tagged bytes produced by walletdata.Encode; the format field repeats the
// tag so conversion can select legacy records in a query.
package surrealdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/walletdata"
)

const (
	queryPut = `UPSERT type::thing($tb, [$tenant, $key]) CONTENT {
		tenant: $tenant,
		record_key: $key,
		format: $format,
		value: $value
	} RETURN NONE`

	queryGet = `SELECT tenant, record_key, format, value
		FROM type::thing($tb, [$tenant, $key])`

	queryDelete = `DELETE type::thing($tb, [$tenant, $key])`

	queryList = `SELECT tenant, record_key, format, value
		FROM type::table($tb) WHERE tenant = $tenant ORDER BY record_key`

	queryCount = `SELECT format, count() AS n
		FROM type::table($tb) WHERE tenant = $tenant GROUP BY format`

	queryLegacy = `SELECT tenant, record_key, format, value
		FROM type::table($tb)
		WHERE tenant = $tenant AND format = $legacy AND record_key >= $from
		ORDER BY record_key LIMIT $limit`

	queryConvert = `BEGIN TRANSACTION;
		FOR $r IN $rows {
			UPDATE type::thing($tb, [$tenant, $r.record_key])
				SET format = $current, value = $r.value
				WHERE format = $legacy;
		};
		COMMIT TRANSACTION;`
)

type row struct {
	Tenant    string `json:"tenant"`
	RecordKey string `json:"record_key"`
	Format    int    `json:"format"`
	Value     []byte `json:"value"`
}

type converted struct {
	RecordKey string `json:"record_key"`
	Value     []byte `json:"value"`
}

// Store implements walletdata.Store on SurrealDB. It does not own the
// connection.
type Store struct {
	db  *surrealdb.DB
	now func() time.Time
}

var _ walletdata.Store = (*Store)(nil)

func New(db *surrealdb.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// query runs sql and returns the rows of its first statement. Every
// statement SurrealDB reports as failed is returned as an error.
func query[T any](ctx context.Context, db *surrealdb.DB, sql string, vars map[string]any) ([]T, error) {
	res, err := surrealdb.Query[[]T](ctx, db, sql, vars)
	if err != nil {
		return nil, err
	}
	if res == nil || len(*res) == 0 {
		return nil, nil
	}
	for _, r := range *res {
		if r.Status != "" && r.Status != "OK" {
			return nil, fmt.Errorf("statement status %s", r.Status)
		}
	}
	return (*res)[0].Result, nil
}

// vars binds the table and wallet next to extra.
func vars(tenant models.TenantID, extra map[string]any) map[string]any {
	out := map[string]any{
		"tb":     constants.WalletRecordTable,
		"tenant": string(tenant),
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
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
	_, err = query[any](ctx, s.db, queryPut, vars(tenant, map[string]any{"key": rec.Key, "format": int(format), "value": val}))
	if err != nil {
		return walletdata.Record{}, fmt.Errorf("failed to write record %s/%s: %w", tenant, rec.Key, err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, tenant models.TenantID, key string) (walletdata.Record, walletdata.Format, error) {
	rows, err := query[row](ctx, s.db, queryGet, vars(tenant, map[string]any{"key": key}))
	if err == nil && len(rows) == 0 {
		err = constants.ErrRecordNotFound
	}
	if err != nil {
		return walletdata.Record{}, 0, fmt.Errorf("wallet %s record %s: %w", tenant, key, err)
	}
	rec, format, err := walletdata.Decode(rows[0].Value)
	if err != nil {
		return walletdata.Record{}, 0, fmt.Errorf("wallet %s record %s: %w", tenant, key, err)
	}
	return rec, format, nil
}

func (s *Store) Delete(ctx context.Context, tenant models.TenantID, key string) error {
	if _, err := query[any](ctx, s.db, queryDelete, vars(tenant, map[string]any{"key": key})); err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", tenant, key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, tenant models.TenantID) ([]walletdata.Record, error) {
	rows, err := query[row](ctx, s.db, queryList, vars(tenant, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet %s: %w", tenant, err)
	}
	out := make([]walletdata.Record, 0, len(rows))
	for _, r := range rows {
		rec, _, err := walletdata.Decode(r.Value)
		if err != nil {
			return nil, fmt.Errorf("wallet %s record %s: %w", tenant, r.RecordKey, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, tenant models.TenantID) (map[walletdata.Format]int, error) {
	type group struct {
		Format int `json:"format"`
		N      int `json:"n"`
	}
	groups, err := query[group](ctx, s.db, queryCount, vars(tenant, nil))
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
	rows, err := query[row](ctx, s.db, queryLegacy, vars(tenant, map[string]any{
		"legacy": int(walletdata.FormatLegacy),
		"from":   from,
		"limit":  limit + 1,
	}))
	if err != nil {
		return 0, "", fmt.Errorf("failed to scan wallet %s: %w", tenant, err)
	}
	next := ""
	if len(rows) > limit {
		next = rows[limit].RecordKey
		rows = rows[:limit]
	}
	if len(rows) == 0 {
		return 0, next, nil
	}

	batch := make([]converted, 0, len(rows))
	for _, r := range rows {
		val, err := walletdata.Convert(r.Value)
		if err != nil {
			return 0, "", fmt.Errorf("record %s: %w", r.RecordKey, err)
		}
		batch = append(batch, converted{RecordKey: r.RecordKey, Value: val})
	}
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	_, err = query[any](ctx, s.db, queryConvert, vars(tenant, map[string]any{
		"rows":    batch,
		"current": int(walletdata.FormatCurrent),
		"legacy":  int(walletdata.FormatLegacy),
	}))
	if err != nil {
		return 0, "", fmt.Errorf("failed to convert wallet %s: %w", tenant, err)
	}
	return len(batch), next, nil
}

// Reset removes every wallet record. It exists for tests and operators
// rebuilding a staging environment.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := query[any](ctx, s.db, "REMOVE TABLE IF EXISTS "+constants.WalletRecordTable, nil); err != nil {
		return fmt.Errorf("failed to remove table %s: %w", constants.WalletRecordTable, err)
	}
	return nil
}
