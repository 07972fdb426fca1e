// Package datatest is the conformance suite every wallet data store must
// pass.
package datatest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/walletdata"
)

// Factory returns a store. It is called once per test.
type Factory func(s *Suite) walletdata.Store

type Suite struct {
	suite.Suite
	factory Factory
	store   walletdata.Store
	ctx     context.Context
}

func NewSuite(factory Factory) *Suite {
	return &Suite{factory: factory}
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.factory(s)
}

// tenant returns a wallet id unique to the running test so that stores backed
// by a shared external database do not see each other's records.
func (s *Suite) tenant(name string) models.TenantID {
	return models.TenantID(fmt.Sprintf("%s-%d", name, time.Now().UnixNano()))
}

func (s *Suite) seed(tenant models.TenantID, n int, format walletdata.Format) {
	for i := 0; i < n; i++ {
		_, err := s.store.Put(s.ctx, tenant, walletdata.Record{
			Key:   fmt.Sprintf("cred-%03d", i),
			Kind:  "did",
			Value: []byte(fmt.Sprintf("secret-%d", i)),
			Tags:  map[string]string{"n": fmt.Sprint(i)},
		}, format)
		s.Require().NoError(err)
	}
}

func (s *Suite) TestPutGetBothFormats() {
	w := s.tenant("formats")
	for _, format := range []walletdata.Format{walletdata.FormatLegacy, walletdata.FormatCurrent} {
		key := "k-" + format.String()
		_, err := s.store.Put(s.ctx, w, walletdata.Record{Key: key, Kind: "link", Value: []byte{1, 2, 3}}, format)
		s.Require().NoError(err)

		got, gotFormat, err := s.store.Get(s.ctx, w, key)
		s.Require().NoError(err)
		s.Equal(format, gotFormat)
		s.Equal(key, got.Key)
		s.Equal("link", got.Kind)
		s.Equal([]byte{1, 2, 3}, got.Value)
		s.False(got.UpdatedAt.IsZero())
	}
}

func (s *Suite) TestPutReplaces() {
	w := s.tenant("replace")
	_, err := s.store.Put(s.ctx, w, walletdata.Record{Key: "a", Kind: "old"}, walletdata.FormatLegacy)
	s.Require().NoError(err)
	_, err = s.store.Put(s.ctx, w, walletdata.Record{Key: "a", Kind: "new"}, walletdata.FormatCurrent)
	s.Require().NoError(err)

	got, format, err := s.store.Get(s.ctx, w, "a")
	s.Require().NoError(err)
	s.Equal("new", got.Kind)
	s.Equal(walletdata.FormatCurrent, format)
}

func (s *Suite) TestGetMissingRecord() {
	_, _, err := s.store.Get(s.ctx, s.tenant("missing"), "nope")
	s.ErrorIs(err, constants.ErrRecordNotFound)
}

func (s *Suite) TestPutRequiresKey() {
	_, err := s.store.Put(s.ctx, s.tenant("nokey"), walletdata.Record{}, walletdata.FormatLegacy)
	s.Error(err)
}

func (s *Suite) TestDeleteAndList() {
	w1 := s.tenant("w1")
	w10 := w1 + "0"
	s.seed(w1, 3, walletdata.FormatLegacy)
	s.seed(w10, 2, walletdata.FormatLegacy)

	recs, err := s.store.List(s.ctx, w1)
	s.Require().NoError(err)
	s.Require().Len(recs, 3)
	s.Equal("cred-000", recs[0].Key)

	s.Require().NoError(s.store.Delete(s.ctx, w1, "cred-001"))
	s.Require().NoError(s.store.Delete(s.ctx, w1, "cred-001"))

	recs, err = s.store.List(s.ctx, w1)
	s.Require().NoError(err)
	s.Len(recs, 2)

	// Wallets whose ids share a prefix do not see each other's records.
	recs, err = s.store.List(s.ctx, w10)
	s.Require().NoError(err)
	s.Len(recs, 2)
}

func (s *Suite) TestConverterConvertsEveryRecord() {
	w1, w2 := s.tenant("conv-a"), s.tenant("conv-b")
	s.seed(w1, 23, walletdata.FormatLegacy)
	s.seed(w2, 4, walletdata.FormatLegacy)

	before, err := s.store.List(s.ctx, w1)
	s.Require().NoError(err)

	s.Require().NoError(walletdata.NewConverter(s.store, 5, zerolog.Nop()).Convert(s.ctx, w1))

	counts, err := s.store.Count(s.ctx, w1)
	s.Require().NoError(err)
	s.Equal(map[walletdata.Format]int{walletdata.FormatCurrent: 23}, counts)

	after, err := s.store.List(s.ctx, w1)
	s.Require().NoError(err)
	s.Require().Len(after, len(before))
	for i := range before {
		s.Equal(before[i].Key, after[i].Key)
		s.Equal(before[i].Value, after[i].Value)
		s.Equal(before[i].Tags, after[i].Tags)
		s.True(before[i].UpdatedAt.Equal(after[i].UpdatedAt))
	}

	// Other wallets are untouched.
	counts, err = s.store.Count(s.ctx, w2)
	s.Require().NoError(err)
	s.Equal(map[walletdata.Format]int{walletdata.FormatLegacy: 4}, counts)
}

func (s *Suite) TestConverterResumesAfterInterruption() {
	w := s.tenant("resume")
	s.seed(w, 10, walletdata.FormatLegacy)

	// One batch commits, then the process goes away.
	n, next, err := s.store.ConvertBatch(s.ctx, w, "", 4)
	s.Require().NoError(err)
	s.Equal(4, n)
	s.NotEmpty(next)

	counts, err := s.store.Count(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(map[walletdata.Format]int{walletdata.FormatCurrent: 4, walletdata.FormatLegacy: 6}, counts)

	// A fresh run starts from the beginning and skips converted records.
	conv := walletdata.NewConverter(s.store, 4, zerolog.Nop())
	s.Require().NoError(conv.Convert(s.ctx, w))
	s.Require().NoError(conv.Convert(s.ctx, w))

	counts, err = s.store.Count(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(map[walletdata.Format]int{walletdata.FormatCurrent: 10}, counts)
}

func (s *Suite) TestConverterStopsOnCancel() {
	w := s.tenant("cancel")
	s.seed(w, 3, walletdata.FormatLegacy)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	err := walletdata.NewConverter(s.store, 1, zerolog.Nop()).Convert(ctx, w)
	s.ErrorIs(err, context.Canceled)

	counts, err := s.store.Count(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(map[walletdata.Format]int{walletdata.FormatLegacy: 3}, counts)
}

func (s *Suite) TestConverterOnEmptyWallet() {
	s.NoError(walletdata.NewConverter(s.store, 0, zerolog.Nop()).Convert(s.ctx, s.tenant("empty")))
}
