// Package walletdata stores wallet records in either the legacy or the
// current encoding.
//
// Every stored value starts with a one-byte format tag. Legacy values are
// JSON documents; current values are CBOR documents. Readers accept both, so
// a wallet is readable at every point of its conversion, but the request gate
// keeps requests away from a wallet until its conversion has finished.
//
// Wallet data lives in the same engine as the migration records: badger for
// a single process, PostgreSQL (package sqldata) or SurrealDB (package
// surrealdata) when several processes share one database.
package walletdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/surrealdb/walletmigrate/pkg/models"
)

// Format is the stored encoding of one record.
type Format byte

const (
	FormatLegacy  Format = 1
	FormatCurrent Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatCurrent:
		return "current"
	default:
		return fmt.Sprintf("format(%d)", byte(f))
	}
}

// FormatFor returns the format writes must use for a wallet in state.
func FormatFor(state models.MigrationState) Format {
	if state == models.StateFinished {
		return FormatCurrent
	}
	return FormatLegacy
}

// Record is one credential entry of a wallet.
type Record struct {
	Key       string            `json:"key" cbor:"key"`
	Kind      string            `json:"kind" cbor:"kind"`
	Value     []byte            `json:"value" cbor:"value"`
	Tags      map[string]string `json:"tags,omitempty" cbor:"tags,omitempty"`
	UpdatedAt time.Time         `json:"updated_at" cbor:"updated_at"`
}

// Store reads and writes wallet records.
type Store interface {
	// Put writes rec in the given format, replacing any previous value, and
	// returns it with UpdatedAt set.
	Put(ctx context.Context, tenant models.TenantID, rec Record, format Format) (Record, error)

	// Get returns the record and the format it is stored in. A missing record
	// yields constants.ErrRecordNotFound.
	Get(ctx context.Context, tenant models.TenantID, key string) (Record, Format, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, tenant models.TenantID, key string) error

	// List returns every record of a wallet in key order.
	List(ctx context.Context, tenant models.TenantID) ([]Record, error)

	// Count returns how many of a wallet's records are in each format.
	Count(ctx context.Context, tenant models.TenantID) (map[Format]int, error)

	// ConvertBatch rewrites up to limit legacy records whose key is at or
	// after from into the current format, in one transaction. It returns the
	// key to continue from, or "" when no records are left.
	ConvertBatch(ctx context.Context, tenant models.TenantID, from string, limit int) (converted int, next string, err error)
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("walletdata: cbor options: %v", err))
	}
	return enc
}()

// Encode returns the tagged stored form of rec.
func Encode(rec Record, format Format) ([]byte, error) {
	var body []byte
	var err error
	switch format {
	case FormatLegacy:
		body, err = json.Marshal(rec)
	case FormatCurrent:
		body, err = encMode.Marshal(rec)
	default:
		return nil, fmt.Errorf("unknown record format %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", format, err)
	}
	return append([]byte{byte(format)}, body...), nil
}

// Decode parses a value written by Encode.
func Decode(val []byte) (Record, Format, error) {
	var rec Record
	if len(val) == 0 {
		return rec, 0, errors.New("empty record value")
	}
	format := Format(val[0])
	var err error
	switch format {
	case FormatLegacy:
		err = json.Unmarshal(val[1:], &rec)
	case FormatCurrent:
		err = cbor.Unmarshal(val[1:], &rec)
	default:
		return rec, format, fmt.Errorf("unknown record format %s", format)
	}
	if err != nil {
		return rec, format, fmt.Errorf("decode %s record: %w", format, err)
	}
	return rec, format, nil
}

// Convert re-encodes a stored legacy value in the current format.
func Convert(val []byte) ([]byte, error) {
	rec, _, err := Decode(val)
	if err != nil {
		return nil, err
	}
	return Encode(rec, FormatCurrent)
}

func checkPut(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Key == "" {
		return errors.New("record key is required")
	}
	return nil
}
