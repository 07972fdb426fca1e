package migrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/gate"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/poller"
	"github.com/surrealdb/walletmigrate/pkg/recordstore"
	"github.com/surrealdb/walletmigrate/pkg/recordstore/memory"
	"github.com/surrealdb/walletmigrate/pkg/retry"
	"github.com/surrealdb/walletmigrate/pkg/statuscache"
)

const (
	pollInterval = 10 * time.Millisecond
	waitFor      = 2 * time.Second
)

// process bundles what one coordinator process owns. Several processes
// sharing one store behave like separate hosts sharing one database.
type process struct {
	cache   *statuscache.Cache
	pollers *poller.Registry
	gate    *gate.Gate
	worker  *Worker
}

func newProcess(t *testing.T, store recordstore.Store, instance string, conv Converter) *process {
	t.Helper()
	p := &process{cache: statuscache.New()}
	p.pollers = poller.New(store, p.cache, poller.Config{Interval: pollInterval}, zerolog.Nop())
	p.worker = New(store, p.cache, p.pollers, conv, Config{
		Instance:    instance,
		FinishRetry: retry.NewFixedDelayRetryer(time.Millisecond, 5),
	}, zerolog.Nop())
	p.gate = gate.New(store, p.cache, p.pollers, gate.Config{Local: p.worker.Running}, zerolog.Nop())
	t.Cleanup(func() {
		p.worker.Close()
		p.pollers.Close()
	})
	return p
}

// blockingConverter holds every conversion until released.
type blockingConverter struct {
	calls   atomic.Int32
	entered chan models.TenantID
	release chan struct{}
}

func newBlockingConverter() *blockingConverter {
	return &blockingConverter{
		entered: make(chan models.TenantID, 16),
		release: make(chan struct{}),
	}
}

func (c *blockingConverter) Convert(ctx context.Context, tenant models.TenantID) error {
	c.calls.Add(1)
	c.entered <- tenant
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var noop = ConverterFunc(func(context.Context, models.TenantID) error { return nil })

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "already_in_progress", AlreadyInProgress.String())
	assert.Equal(t, "already_finished", AlreadyFinished.String())
	assert.Equal(t, "resumed", Resumed.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}

func TestMigrateRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newProcess(t, store, "node-a", noop)

	outcome, err := a.worker.Migrate(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)
	assert.True(t, a.cache.IsCompleted("w1"))

	rec, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, rec.State)
	assert.Equal(t, "node-a", rec.Owner)

	outcome, err = a.worker.Migrate(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyFinished, outcome)
}

// A starts a migration, B rejects requests and polls, A finishes, B converges.
func TestScenarioDiscoveryAndConvergence(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	conv := newBlockingConverter()
	a := newProcess(t, store, "node-a", conv)
	b := newProcess(t, store, "node-b", noop)

	outcome, err := a.worker.BeginTenantMigration(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)
	<-conv.entered

	// A's own gate rejects without starting a poller.
	_, err = a.gate.Check(ctx, "w1")
	assert.ErrorIs(t, err, constants.ErrMigrationInProgress)
	assert.False(t, a.pollers.Running("w1"))

	// B discovers the migration from the store.
	_, err = b.gate.Check(ctx, "w1")
	assert.ErrorIs(t, err, constants.ErrMigrationInProgress)
	assert.True(t, b.cache.IsPending("w1"))
	assert.True(t, b.pollers.Running("w1"))

	close(conv.release)
	a.worker.Wait()
	assert.True(t, a.cache.IsCompleted("w1"))

	require.Eventually(t, func() bool { return b.cache.IsCompleted("w1") }, waitFor, pollInterval)
	state, err := b.gate.Check(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, state)
	require.Eventually(t, func() bool { return b.pollers.Len() == 0 }, waitFor, pollInterval)
}

// A and B trigger the same wallet at once: exactly one starts, the other
// never converts.
func TestScenarioSimultaneousBegin(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	var convA, convB atomic.Int32
	a := newProcess(t, store, "node-a", ConverterFunc(func(context.Context, models.TenantID) error {
		convA.Add(1)
		return nil
	}))
	b := newProcess(t, store, "node-b", ConverterFunc(func(context.Context, models.TenantID) error {
		convB.Add(1)
		return nil
	}))

	var wg sync.WaitGroup
	var outA, outB Outcome
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); outA, errA = a.worker.Migrate(ctx, "w1") }()
	go func() { defer wg.Done(); outB, errB = b.worker.Migrate(ctx, "w1") }()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	started := 0
	for _, o := range []Outcome{outA, outB} {
		if o == Started {
			started++
		}
	}
	assert.Equal(t, 1, started, "outcomes %s, %s", outA, outB)
	assert.Equal(t, int32(1), convA.Load()+convB.Load())
	if outA == Started {
		assert.Zero(t, convB.Load())
	} else {
		assert.Zero(t, convA.Load())
	}
}

func TestMutualExclusionAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	var active, maxActive, total atomic.Int32
	conv := ConverterFunc(func(context.Context, models.TenantID) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		total.Add(1)
		return nil
	})

	procs := make([]*process, 6)
	for i := range procs {
		procs[i] = newProcess(t, store, fmt.Sprintf("node-%d", i), conv)
	}

	var wg sync.WaitGroup
	for _, p := range procs {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(p *process) {
				defer wg.Done()
				_, _ = p.worker.BeginTenantMigration(ctx, "w1")
			}(p)
		}
	}
	wg.Wait()
	for _, p := range procs {
		p.worker.Wait()
	}

	assert.Equal(t, int32(1), total.Load())
	assert.Equal(t, int32(1), maxActive.Load())
	for _, p := range procs {
		require.Eventually(t, func() bool { return p.cache.IsCompleted("w1") }, waitFor, pollInterval)
	}
}

func TestLocalTriggerWhileRunning(t *testing.T) {
	ctx := context.Background()
	conv := newBlockingConverter()
	a := newProcess(t, memory.New(), "node-a", conv)

	outcome, err := a.worker.BeginTenantMigration(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, Started, outcome)
	<-conv.entered
	assert.True(t, a.worker.Running("w1"))

	outcome, err = a.worker.BeginTenantMigration(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyInProgress, outcome)

	close(conv.release)
	a.worker.Wait()
	assert.False(t, a.worker.Running("w1"))
	assert.Equal(t, int32(1), conv.calls.Load())
}

// Two live processes configured with one instance id must still exclude
// each other.
func TestSharedInstanceIDDoesNotConvertTwice(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	conv := newBlockingConverter()
	var active, peak atomic.Int32
	tracked := ConverterFunc(func(ctx context.Context, tenant models.TenantID) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		return conv.Convert(ctx, tenant)
	})
	a := newProcess(t, store, "host-1", tracked)
	b := newProcess(t, store, "host-1", tracked)

	outcome, err := a.worker.BeginTenantMigration(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, Started, outcome)
	<-conv.entered

	outcome, err = b.worker.BeginTenantMigration(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyInProgress, outcome)
	outcome, err = b.worker.Migrate(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyInProgress, outcome)

	assert.False(t, b.worker.Running("w1"))
	assert.True(t, b.cache.IsPending("w1"))
	assert.True(t, b.pollers.Running("w1"))

	close(conv.release)
	a.worker.Wait()
	b.worker.Wait()
	assert.Equal(t, int32(1), conv.calls.Load())
	assert.Equal(t, int32(1), peak.Load())
	require.Eventually(t, func() bool { return b.cache.IsCompleted("w1") }, waitFor, pollInterval)
}

// Only the worker whose conversion failed may resume the episode outside
// startup.
func TestRetriggerAfterFailureStaysWithFailingWorker(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	var fail atomic.Bool
	fail.Store(true)
	conv := ConverterFunc(func(context.Context, models.TenantID) error {
		if fail.Load() {
			return errors.New("disk full")
		}
		return nil
	})
	a := newProcess(t, store, "host-1", conv)
	b := newProcess(t, store, "host-1", conv)

	_, err := a.worker.Migrate(ctx, "w1")
	require.ErrorIs(t, err, constants.ErrConversionFailed)
	fail.Store(false)

	outcome, err := b.worker.Migrate(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyInProgress, outcome)

	outcome, err = a.worker.Migrate(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, Resumed, outcome)

	rec, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, rec.State)
}

func TestConversionFailureLeavesRecordInProgress(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	var fail atomic.Bool
	fail.Store(true)
	a := newProcess(t, store, "node-a", ConverterFunc(func(context.Context, models.TenantID) error {
		if fail.Load() {
			return errors.New("disk full")
		}
		return nil
	}))

	outcome, err := a.worker.Migrate(ctx, "w1")
	assert.Equal(t, Started, outcome)
	assert.ErrorIs(t, err, constants.ErrConversionFailed)

	rec, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, rec.State)
	assert.True(t, a.cache.IsPending("w1"))

	// Re-triggering on the owning instance resumes the episode.
	fail.Store(false)
	outcome, err = a.worker.Migrate(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, Resumed, outcome)
	assert.True(t, a.cache.IsCompleted("w1"))
}

// resumableWallet is a wallet with items that are converted one by one.
type resumableWallet struct {
	mu        sync.Mutex
	converted map[int]int
	crashAt   int
}

func (r *resumableWallet) Convert(ctx context.Context, _ models.TenantID) error {
	for i := 0; i < 10; i++ {
		r.mu.Lock()
		done := r.converted[i] > 0
		crash := r.crashAt > 0 && len(r.converted) == r.crashAt
		r.mu.Unlock()
		if done {
			continue
		}
		if crash {
			return context.Canceled
		}
		r.mu.Lock()
		r.converted[i]++
		r.mu.Unlock()
	}
	return nil
}

func TestCrashResumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	wallet := &resumableWallet{converted: make(map[int]int)}

	// Interrupt the conversion three times, each time in a fresh process
	// with the same instance id.
	for _, crashAt := range []int{2, 5, 8} {
		wallet.crashAt = crashAt
		p := newProcess(t, store, "node-a", wallet)
		if crashAt == 2 {
			outcome, err := p.worker.Migrate(ctx, "w1")
			assert.Equal(t, Started, outcome)
			require.Error(t, err)
		} else {
			require.NoError(t, p.worker.Resume(ctx))
			p.worker.Wait()
		}
		p.worker.Close()
		p.pollers.Close()

		rec, err := store.Get(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, models.StateInProgress, rec.State)
	}

	wallet.crashAt = 0
	p := newProcess(t, store, "node-a", wallet)
	require.NoError(t, p.worker.Resume(ctx))
	p.worker.Wait()

	rec, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, rec.State)
	assert.True(t, p.cache.IsCompleted("w1"))

	require.Len(t, wallet.converted, 10)
	for i, n := range wallet.converted {
		assert.Equal(t, 1, n, "item %d converted %d times", i, n)
	}
}

func TestResumeRestoresCache(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.Begin(ctx, "done", "node-x")
	require.NoError(t, err)
	_, err = store.Finish(ctx, "done")
	require.NoError(t, err)
	_, err = store.Begin(ctx, "elsewhere", "node-x")
	require.NoError(t, err)

	conv := newBlockingConverter()
	a := newProcess(t, store, "node-a", conv)
	require.NoError(t, a.worker.Resume(ctx))

	assert.True(t, a.cache.IsCompleted("done"))
	assert.True(t, a.cache.IsPending("elsewhere"))
	assert.True(t, a.pollers.Running("elsewhere"))
	assert.Zero(t, conv.calls.Load())
}

func TestInvalidTransitionHaltsWorker(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newProcess(t, store, "node-a", ConverterFunc(func(ctx context.Context, tenant models.TenantID) error {
		// Durable state changes underneath the owner.
		_, err := store.Finish(ctx, tenant)
		return err
	}))

	_, err := a.worker.Migrate(ctx, "w1")
	require.Error(t, err)
	assert.ErrorIs(t, err, constants.ErrWorkerHalted)
	assert.ErrorIs(t, err, constants.ErrNotInProgress)

	var invalid *recordstore.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.StateFinished, invalid.From)
	require.Error(t, a.worker.Halted())

	_, err = a.worker.Migrate(ctx, "w2")
	assert.ErrorIs(t, err, constants.ErrWorkerHalted)
	_, err = a.worker.BeginTenantMigration(ctx, "w2")
	assert.ErrorIs(t, err, constants.ErrWorkerHalted)

	rec, err := store.Get(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, models.StateNone, rec.State)
}

// flakyFinishStore fails Finish a fixed number of times.
type flakyFinishStore struct {
	*memory.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyFinishStore) Finish(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return models.MigrationRecord{}, recordstore.Unavailable("finish", tenant, errors.New("connection reset"))
	}
	return s.Store.Finish(ctx, tenant)
}

func TestFinishRetriesWhileStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &flakyFinishStore{Store: memory.New()}
	store.failures.Store(3)
	a := newProcess(t, store, "node-a", noop)

	outcome, err := a.worker.Migrate(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)
	assert.Equal(t, int32(4), store.calls.Load())
	assert.True(t, a.cache.IsCompleted("w1"))
}

// lostReplyStore commits the first Finish but reports it as unavailable, as
// when the connection drops after the database committed.
type lostReplyStore struct {
	*memory.Store
	lost atomic.Bool
}

func (s *lostReplyStore) Finish(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	rec, err := s.Store.Finish(ctx, tenant)
	if err == nil && s.lost.CompareAndSwap(false, true) {
		return models.MigrationRecord{}, recordstore.Unavailable("finish", tenant, errors.New("i/o timeout"))
	}
	return rec, err
}

func TestFinishCommittedDespiteLostReply(t *testing.T) {
	ctx := context.Background()
	store := &lostReplyStore{Store: memory.New()}
	a := newProcess(t, store, "node-a", noop)

	outcome, err := a.worker.Migrate(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)
	assert.True(t, store.lost.Load())
	assert.NoError(t, a.worker.Halted())
	assert.True(t, a.cache.IsCompleted("w1"))

	// The worker keeps serving other wallets.
	outcome, err = a.worker.Migrate(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)
}

func TestFinishGivesUpAndLeavesRecordInProgress(t *testing.T) {
	ctx := context.Background()
	store := &flakyFinishStore{Store: memory.New()}
	store.failures.Store(100)
	a := newProcess(t, store, "node-a", noop)

	_, err := a.worker.Migrate(ctx, "w1")
	require.Error(t, err)
	assert.ErrorIs(t, err, constants.ErrStoreUnavailable)
	assert.NoError(t, a.worker.Halted())

	rec, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, rec.State)
}

func TestCloseInterruptsBackgroundConversion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	conv := newBlockingConverter()
	a := newProcess(t, store, "node-a", conv)

	_, err := a.worker.BeginTenantMigration(ctx, "w1")
	require.NoError(t, err)
	<-conv.entered

	a.worker.Close()
	assert.False(t, a.worker.Running("w1"))

	rec, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, rec.State)

	_, err = a.worker.BeginTenantMigration(ctx, "w2")
	assert.ErrorIs(t, err, constants.ErrWorkerClosed)
}
