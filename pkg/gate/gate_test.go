package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/recordstore/memory"
	"github.com/surrealdb/walletmigrate/pkg/statuscache"
)

// recordingPoller counts Ensure calls and pretends a poller is started once
// per wallet.
type recordingPoller struct {
	mu      sync.Mutex
	started map[models.TenantID]int
	calls   int
}

func newRecordingPoller() *recordingPoller {
	return &recordingPoller{started: make(map[models.TenantID]int)}
}

func (p *recordingPoller) Ensure(tenant models.TenantID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.started[tenant]++
	return p.started[tenant] == 1
}

func (p *recordingPoller) count(tenant models.TenantID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started[tenant]
}

// countingReader counts reads and can be told to fail or block.
type countingReader struct {
	store *memory.Store
	reads atomic.Int32
	err   error
	block chan struct{}
}

func (c *countingReader) Get(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	c.reads.Add(1)
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return models.MigrationRecord{}, c.err
	}
	return c.store.Get(ctx, tenant)
}

func newGate(reader *countingReader) (*Gate, *statuscache.Cache, *recordingPoller) {
	cache := statuscache.New()
	pollers := newRecordingPoller()
	g := New(reader, cache, pollers, Config{RetryAfter: 3 * time.Second}, zerolog.Nop())
	return g, cache, pollers
}

func TestCheckForwardsWalletThatNeverMigrated(t *testing.T) {
	reader := &countingReader{store: memory.New()}
	g, cache, _ := newGate(reader)

	for i := 0; i < 3; i++ {
		state, err := g.Check(context.Background(), "w1")
		require.NoError(t, err)
		assert.Equal(t, models.StateNone, state)
	}

	// None is never cached: every request consults the store.
	assert.Equal(t, int32(3), reader.reads.Load())
	assert.Equal(t, statuscache.StatusUnknown, cache.Status("w1"))
}

func TestCheckCachesFinishedWallet(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.Begin(ctx, "w1", "node-a")
	require.NoError(t, err)
	_, err = store.Finish(ctx, "w1")
	require.NoError(t, err)

	reader := &countingReader{store: store}
	g, cache, _ := newGate(reader)

	for i := 0; i < 5; i++ {
		state, err := g.Check(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, models.StateFinished, state)
	}
	assert.Equal(t, int32(1), reader.reads.Load())
	assert.True(t, cache.IsCompleted("w1"))
}

func TestCheckRejectsInProgressWallet(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.Begin(ctx, "w1", "node-a")
	require.NoError(t, err)

	reader := &countingReader{store: store}
	g, cache, pollers := newGate(reader)

	_, err = g.Check(ctx, "w1")
	require.Error(t, err)
	assert.ErrorIs(t, err, constants.ErrMigrationInProgress)

	var rejected *RejectionError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, models.TenantID("w1"), rejected.Tenant)
	assert.Equal(t, 3*time.Second, rejected.RetryAfter)

	assert.True(t, cache.IsPending("w1"))
	assert.Equal(t, 1, pollers.count("w1"))

	// Served from the cache afterwards; the poller is re-ensured.
	_, err = g.Check(ctx, "w1")
	assert.ErrorIs(t, err, constants.ErrMigrationInProgress)
	assert.Equal(t, int32(1), reader.reads.Load())
	assert.Equal(t, 2, pollers.count("w1"))
}

func TestCheckSkipsPollerForLocalMigration(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.Begin(ctx, "w1", "node-a")
	require.NoError(t, err)

	cache := statuscache.New()
	pollers := newRecordingPoller()
	g := New(store, cache, pollers, Config{
		Local: func(t models.TenantID) bool { return t == "w1" },
	}, zerolog.Nop())

	_, err = g.Check(ctx, "w1")
	assert.ErrorIs(t, err, constants.ErrMigrationInProgress)
	assert.Equal(t, 0, pollers.count("w1"))
}

func TestCheckFailsClosedOnStoreError(t *testing.T) {
	reader := &countingReader{store: memory.New(), err: errors.New("connection reset")}
	g, cache, _ := newGate(reader)

	_, err := g.Check(context.Background(), "w1")
	require.Error(t, err)
	assert.ErrorIs(t, err, constants.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, constants.ErrMigrationInProgress)
	assert.Equal(t, statuscache.StatusUnknown, cache.Status("w1"))
}

func TestCheckHonoursRequestContext(t *testing.T) {
	reader := &countingReader{store: memory.New(), block: make(chan struct{})}
	defer close(reader.block)
	g, _, _ := newGate(reader)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Check(ctx, "w1")
	assert.ErrorIs(t, err, constants.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentMissesShareOneRead(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.Begin(ctx, "w1", "node-a")
	require.NoError(t, err)

	reader := &countingReader{store: store, block: make(chan struct{})}
	g, _, pollers := newGate(reader)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Check(ctx, "w1")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return reader.reads.Load() == 1 }, time.Second, time.Millisecond)
	// Give the remaining callers time to join the in-flight read.
	time.Sleep(20 * time.Millisecond)
	close(reader.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, constants.ErrMigrationInProgress)
	}
	assert.Equal(t, int32(1), reader.reads.Load())
	assert.Equal(t, callers, pollers.count("w1"))
}

func TestCancelledCallerDoesNotFailSharedRead(t *testing.T) {
	reader := &countingReader{store: memory.New(), block: make(chan struct{})}
	g, _, _ := newGate(reader)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.Check(first, "w1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return reader.reads.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		state models.MigrationState
		err   error
	}
	second := make(chan result, 1)
	go func() {
		state, err := g.Check(context.Background(), "w1")
		second <- result{state, err}
	}()
	// Give the second caller time to join the in-flight read.
	time.Sleep(20 * time.Millisecond)

	// The first caller goes away while the read is in flight.
	cancel()
	assert.ErrorIs(t, <-firstErr, constants.ErrStoreUnavailable)

	close(reader.block)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, models.StateNone, res.state)
	assert.Equal(t, int32(1), reader.reads.Load())
}

// ctxReader blocks until its context ends and reports why.
type ctxReader struct{}

func (ctxReader) Get(ctx context.Context, _ models.TenantID) (models.MigrationRecord, error) {
	<-ctx.Done()
	return models.MigrationRecord{}, ctx.Err()
}

func TestSharedReadIsBounded(t *testing.T) {
	g := New(ctxReader{}, statuscache.New(), newRecordingPoller(), Config{ReadTimeout: 20 * time.Millisecond}, zerolog.Nop())

	_, err := g.Check(context.Background(), "w1")
	assert.ErrorIs(t, err, constants.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
