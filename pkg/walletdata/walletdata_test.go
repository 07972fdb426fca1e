package walletdata_test

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/walletdata"
	"github.com/surrealdb/walletmigrate/pkg/walletdata/datatest"
)

func TestFormatFor(t *testing.T) {
	assert.Equal(t, walletdata.FormatLegacy, walletdata.FormatFor(models.StateNone))
	assert.Equal(t, walletdata.FormatLegacy, walletdata.FormatFor(models.StateInProgress))
	assert.Equal(t, walletdata.FormatCurrent, walletdata.FormatFor(models.StateFinished))
	assert.Equal(t, "legacy", walletdata.FormatLegacy.String())
	assert.Equal(t, "current", walletdata.FormatCurrent.String())
}

func TestEncodeDecode(t *testing.T) {
	rec := walletdata.Record{Key: "k", Kind: "did", Value: []byte("v"), Tags: map[string]string{"a": "b"}}

	legacy, err := walletdata.Encode(rec, walletdata.FormatLegacy)
	require.NoError(t, err)
	assert.Equal(t, byte(walletdata.FormatLegacy), legacy[0])
	assert.Equal(t, byte('{'), legacy[1])

	current, err := walletdata.Convert(legacy)
	require.NoError(t, err)
	got, format, err := walletdata.Decode(current)
	require.NoError(t, err)
	assert.Equal(t, walletdata.FormatCurrent, format)
	assert.Equal(t, rec.Tags, got.Tags)

	_, _, err = walletdata.Decode(nil)
	assert.Error(t, err)
	_, _, err = walletdata.Decode([]byte{9, 1})
	assert.Error(t, err)
}

func TestBadgerStore(t *testing.T) {
	suite.Run(t, datatest.NewSuite(func(s *datatest.Suite) walletdata.Store {
		db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
		s.Require().NoError(err)
		s.T().Cleanup(func() { _ = db.Close() })
		return walletdata.NewBadgerStore(db)
	}))
}
