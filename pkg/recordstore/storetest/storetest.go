// Package storetest is the conformance suite every migration record store
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/recordstore"
)

// Factory returns an empty store. It is called once per test; the suite
// closes the store afterwards.
type Factory func(t *testing.T) recordstore.Store

type Suite struct {
	suite.Suite
	factory Factory
	store   recordstore.Store
	ctx     context.Context
}

func NewSuite(factory Factory) *Suite {
	return &Suite{factory: factory}
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.factory(s.T())
}

func (s *Suite) TearDownTest() {
	if s.store != nil {
		s.Require().NoError(s.store.Close())
	}
}

// tenant returns a wallet id unique to the running test so that stores backed
// by a shared external database do not see each other's records.
func (s *Suite) tenant(name string) models.TenantID {
	return models.TenantID(fmt.Sprintf("%s-%d", name, time.Now().UnixNano()))
}

func (s *Suite) TestGetAbsentIsNone() {
	w := s.tenant("absent")
	rec, err := s.store.Get(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(models.StateNone, rec.State)
	s.Equal(w, rec.Tenant)
}

func (s *Suite) TestBeginThenFinish() {
	w := s.tenant("lifecycle")

	started, err := s.store.Begin(s.ctx, w, "instance-a")
	s.Require().NoError(err)
	s.Equal(models.StateInProgress, started.State)
	s.Equal("instance-a", started.Owner)
	s.NotEmpty(started.Episode)
	s.False(started.StartedAt.IsZero())

	got, err := s.store.Get(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(models.StateInProgress, got.State)
	s.Equal("instance-a", got.Owner)
	s.Equal(started.Episode, got.Episode)

	finished, err := s.store.Finish(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(models.StateFinished, finished.State)
	s.Require().NotNil(finished.FinishedAt)

	got, err = s.store.Get(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(models.StateFinished, got.State)
	s.Equal("instance-a", got.Owner)
}

func (s *Suite) TestBeginTwice() {
	w := s.tenant("twice")

	_, err := s.store.Begin(s.ctx, w, "instance-a")
	s.Require().NoError(err)

	_, err = s.store.Begin(s.ctx, w, "instance-b")
	s.ErrorIs(err, constants.ErrAlreadyInProgress)

	got, err := s.store.Get(s.ctx, w)
	s.Require().NoError(err)
	s.Equal("instance-a", got.Owner, "losing begin must not overwrite the owner")
}

func (s *Suite) TestBeginAfterFinish() {
	w := s.tenant("terminal")

	_, err := s.store.Begin(s.ctx, w, "instance-a")
	s.Require().NoError(err)
	_, err = s.store.Finish(s.ctx, w)
	s.Require().NoError(err)

	_, err = s.store.Begin(s.ctx, w, "instance-b")
	s.ErrorIs(err, constants.ErrAlreadyFinished)

	got, err := s.store.Get(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(models.StateFinished, got.State)
}

func (s *Suite) TestFinishWithoutBegin() {
	w := s.tenant("unstarted")

	_, err := s.store.Finish(s.ctx, w)
	s.Require().ErrorIs(err, constants.ErrNotInProgress)

	var transition *recordstore.InvalidTransitionError
	s.Require().True(errors.As(err, &transition))
	s.Equal(models.StateNone, transition.From)

	got, err := s.store.Get(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(models.StateNone, got.State, "failed finish must not create a record")
}

func (s *Suite) TestFinishTwice() {
	w := s.tenant("finish-twice")

	begun, err := s.store.Begin(s.ctx, w, "instance-a")
	s.Require().NoError(err)
	_, err = s.store.Finish(s.ctx, w)
	s.Require().NoError(err)

	_, err = s.store.Finish(s.ctx, w)
	s.Require().ErrorIs(err, constants.ErrNotInProgress)

	var transition *recordstore.InvalidTransitionError
	s.Require().True(errors.As(err, &transition))
	s.Equal(models.StateFinished, transition.From)
	s.Equal(begun.Episode, transition.Episode)
}

func (s *Suite) TestConcurrentBeginHasOneWinner() {
	w := s.tenant("contended")
	const callers = 24

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		contends int
		others   []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("instance-%d", i)
			<-start
			_, err := s.store.Begin(s.ctx, w, owner)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, owner)
			case errors.Is(err, constants.ErrAlreadyInProgress):
				contends++
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	s.Empty(others)
	s.Require().Len(winners, 1)
	s.Equal(callers-1, contends)

	got, err := s.store.Get(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(winners[0], got.Owner)
}

func (s *Suite) TestList() {
	running := s.tenant("list-running")
	done := s.tenant("list-done")

	_, err := s.store.Begin(s.ctx, running, "instance-a")
	s.Require().NoError(err)
	_, err = s.store.Begin(s.ctx, done, "instance-b")
	s.Require().NoError(err)
	_, err = s.store.Finish(s.ctx, done)
	s.Require().NoError(err)

	inProgress, err := s.store.List(s.ctx, models.StateInProgress)
	s.Require().NoError(err)
	s.Contains(tenants(inProgress), running)
	s.NotContains(tenants(inProgress), done)

	finished, err := s.store.List(s.ctx, models.StateFinished)
	s.Require().NoError(err)
	s.Contains(tenants(finished), done)
	s.NotContains(tenants(finished), running)

	none, err := s.store.List(s.ctx, models.StateNone)
	s.Require().NoError(err)
	s.Empty(none)
}

func tenants(recs []models.MigrationRecord) []models.TenantID {
	out := make([]models.TenantID, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Tenant)
	}
	return out
}
