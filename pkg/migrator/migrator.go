// Package migrator drives a wallet's one-way format migration.
//
// A migration episode is owned by the single process whose Begin call on the
// migration record store succeeded. The owner marks the wallet pending in its
// local status cache, runs the conversion routine without holding any lock,
// and on success moves the record to finished and marks the wallet completed.
// Processes that lose the Begin race treat the wallet as discovered
// in-progress and hand it to a convergence poller.
//
// A crash between Begin and Finish leaves the record in progress. On restart,
// Resume re-drives every in-progress record this instance owns; the
// conversion routine must therefore be safe to run again on a partially
// converted wallet. Outside Resume, an in-progress record is only re-driven
// when this worker itself began the episode and its conversion failed; any
// other in-progress record, even one carrying this instance id, may belong to
// a live process and is treated as discovered.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/metrics"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/recordstore"
	"github.com/surrealdb/walletmigrate/pkg/retry"
	"github.com/surrealdb/walletmigrate/pkg/statuscache"
)

// Converter rewrites one wallet's records into the new format. It may run
// for a long time, and must be safe to invoke again after a failure or an
// interruption at any point.
type Converter interface {
	Convert(ctx context.Context, tenant models.TenantID) error
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, tenant models.TenantID) error

func (f ConverterFunc) Convert(ctx context.Context, tenant models.TenantID) error {
	return f(ctx, tenant)
}

// Poller starts convergence pollers for wallets migrated elsewhere.
type Poller interface {
	Ensure(tenant models.TenantID) bool
}

// Outcome is the answer to a migration trigger.
type Outcome int

const (
	// Started means this call created the in-progress record; this process
	// owns the episode.
	Started Outcome = iota + 1

	// AlreadyInProgress means another process, or another call in this
	// process, is migrating the wallet.
	AlreadyInProgress

	// AlreadyFinished means the wallet was migrated before.
	AlreadyFinished

	// Resumed means the conversion of an interrupted episode owned by this
	// instance was started again: at startup through Resume, or after this
	// worker's own conversion of the episode failed.
	Resumed
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return metrics.OutcomeStarted
	case AlreadyInProgress:
		return metrics.OutcomeAlreadyInProgress
	case AlreadyFinished:
		return metrics.OutcomeAlreadyFinished
	case Resumed:
		return metrics.OutcomeResumed
	default:
		return "unknown"
	}
}

// Config configures a Worker.
type Config struct {
	// Instance identifies this process as the owner of the episodes it
	// begins. It must be stable across restarts for Resume to work.
	Instance string

	// FinishRetry spaces out Finish attempts while the record store is
	// unavailable. Defaults to exponential backoff with ten retries.
	FinishRetry retry.Retryer
}

// Worker runs migrations for this process.
type Worker struct {
	store   recordstore.Store
	cache   *statuscache.Cache
	pollers Poller
	conv    Converter
	cfg     Config
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[models.TenantID]struct{}
	// abandoned holds episodes this worker began whose conversion or finish
	// failed, keyed by wallet.
	abandoned map[models.TenantID]string
	halted    error
	closed    bool
}

func New(store recordstore.Store, cache *statuscache.Cache, pollers Poller, conv Converter, cfg Config, log zerolog.Logger) *Worker {
	if cfg.FinishRetry == nil {
		backoff := retry.NewExponentialBackoffRetryer()
		backoff.MaxRetries = 10
		cfg.FinishRetry = backoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:   store,
		cache:   cache,
		pollers: pollers,
		conv:    conv,
		cfg:     cfg,
		log:     log.With().Str("component", "migrator").Str("owner", cfg.Instance).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		running:   make(map[models.TenantID]struct{}),
		abandoned: make(map[models.TenantID]string),
	}
}

// BeginTenantMigration is the administrative trigger. On Started or Resumed
// the conversion continues in the background and the call returns
// immediately; Close stops it.
func (w *Worker) BeginTenantMigration(ctx context.Context, tenant models.TenantID) (Outcome, error) {
	return w.start(ctx, tenant, false)
}

func (w *Worker) start(ctx context.Context, tenant models.TenantID, resume bool) (Outcome, error) {
	if w.isClosed() {
		return 0, constants.ErrWorkerClosed
	}
	outcome, episode, err := w.begin(ctx, tenant, resume)
	if err != nil || (outcome != Started && outcome != Resumed) {
		return outcome, err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.release(tenant)
		return outcome, constants.ErrWorkerClosed
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		_ = w.drive(w.ctx, tenant, episode)
	}()
	return outcome, nil
}

// Migrate runs the whole protocol for tenant in the calling goroutine. The
// returned error is non-nil if this call owned the episode and could not
// finish it.
func (w *Worker) Migrate(ctx context.Context, tenant models.TenantID) (Outcome, error) {
	outcome, episode, err := w.begin(ctx, tenant, false)
	if err != nil || (outcome != Started && outcome != Resumed) {
		return outcome, err
	}
	return outcome, w.drive(ctx, tenant, episode)
}

// Resume rebuilds the local status cache from persisted records after a
// restart and re-drives every interrupted episode this instance owns.
// In-progress records owned by other instances are handed to pollers.
//
// Resume must run once, at startup, before this instance id is used by any
// other live process.
func (w *Worker) Resume(ctx context.Context) error {
	var inProgress, finished []models.MigrationRecord

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		inProgress, err = w.store.List(gctx, models.StateInProgress)
		return err
	})
	g.Go(func() error {
		var err error
		finished, err = w.store.List(gctx, models.StateFinished)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to scan migration records: %w", err)
	}

	for _, rec := range finished {
		w.cache.MarkCompleted(rec.Tenant)
	}

	resumed := 0
	for _, rec := range inProgress {
		if !rec.OwnedBy(w.cfg.Instance) {
			w.discovered(rec)
			continue
		}
		outcome, err := w.start(ctx, rec.Tenant, true)
		if err != nil {
			return fmt.Errorf("failed to resume wallet %s: %w", rec.Tenant, err)
		}
		if outcome == Resumed {
			resumed++
		}
	}

	w.log.Info().
		Int("finished", len(finished)).
		Int("in_progress", len(inProgress)).
		Int("resumed", resumed).
		Msg("migration state restored")
	return nil
}

// Running reports whether this process is converting tenant right now.
func (w *Worker) Running(tenant models.TenantID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.running[tenant]
	return ok
}

// Halted returns the invalid transition that stopped the worker, if any.
func (w *Worker) Halted() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.halted
}

// Wait blocks until every background conversion has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Close cancels background conversions and waits for them. Interrupted
// episodes stay in progress and are picked up by Resume.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}

// begin claims tenant locally and then durably. On Started and Resumed the
// local claim is kept and must be released by drive. resume allows re-driving
// any in-progress record owned by this instance.
func (w *Worker) begin(ctx context.Context, tenant models.TenantID, resume bool) (Outcome, string, error) {
	if err := w.Halted(); err != nil {
		return 0, "", fmt.Errorf("%w: %w", constants.ErrWorkerHalted, err)
	}
	if !w.claim(tenant) {
		metrics.MigrationsTotal.WithLabelValues(metrics.OutcomeAlreadyInProgress).Inc()
		return AlreadyInProgress, "", nil
	}

	log := w.log.With().Str("wallet", tenant.String()).Logger()
	rec, err := w.store.Begin(ctx, tenant, w.cfg.Instance)
	switch {
	case err == nil:
		w.cache.MarkPending(tenant)
		metrics.MigrationsTotal.WithLabelValues(metrics.OutcomeStarted).Inc()
		log.Info().Str("episode", rec.Episode).Msg("migration started")
		return Started, rec.Episode, nil

	case errors.Is(err, constants.ErrAlreadyFinished):
		w.release(tenant)
		w.cache.MarkCompleted(tenant)
		metrics.MigrationsTotal.WithLabelValues(metrics.OutcomeAlreadyFinished).Inc()
		return AlreadyFinished, "", nil

	case errors.Is(err, constants.ErrAlreadyInProgress):
		if rec.OwnedBy(w.cfg.Instance) && (resume || (rec.Episode != "" && w.abandonedEpisode(tenant) == rec.Episode)) {
			w.cache.MarkPending(tenant)
			metrics.MigrationsTotal.WithLabelValues(metrics.OutcomeResumed).Inc()
			log.Info().Str("episode", rec.Episode).Msg("resuming interrupted migration")
			return Resumed, rec.Episode, nil
		}
		w.release(tenant)
		w.discovered(rec)
		metrics.MigrationsTotal.WithLabelValues(metrics.OutcomeAlreadyInProgress).Inc()
		log.Info().Str("owner", rec.Owner).Str("episode", rec.Episode).Msg("migration already in progress elsewhere")
		return AlreadyInProgress, "", nil

	default:
		w.release(tenant)
		return 0, "", fmt.Errorf("failed to begin migration of wallet %s: %w", tenant, err)
	}
}

// drive converts tenant and records completion of episode. The caller holds
// the claim.
func (w *Worker) drive(ctx context.Context, tenant models.TenantID, episode string) error {
	defer w.release(tenant)
	log := w.log.With().Str("wallet", tenant.String()).Str("episode", episode).Logger()

	start := time.Now()
	err := w.conv.Convert(ctx, tenant)
	metrics.ConversionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.abandon(tenant, episode)
		metrics.MigrationsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("conversion failed, wallet stays in progress")
		return fmt.Errorf("%w: wallet %s: %w", constants.ErrConversionFailed, tenant, err)
	}

	// A Finish that fails as unavailable may still have committed. If a
	// later attempt finds this episode finished, the earlier one succeeded.
	uncertain := false
	err = retry.Do(ctx, w.cfg.FinishRetry, func(ctx context.Context) error {
		_, err := w.store.Finish(ctx, tenant)
		var invalid *recordstore.InvalidTransitionError
		switch {
		case errors.Is(err, constants.ErrStoreUnavailable):
			uncertain = true
			log.Warn().Err(err).Msg("failed to record migration finish, retrying")
		case uncertain && errors.As(err, &invalid) &&
			invalid.From == models.StateFinished && invalid.Episode == episode:
			log.Info().Msg("earlier finish attempt was committed")
			return nil
		}
		return err
	}, func(err error) bool {
		return errors.Is(err, constants.ErrStoreUnavailable)
	})

	var invalid *recordstore.InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		w.halt(invalid)
		metrics.MigrationsTotal.WithLabelValues(metrics.OutcomeHalted).Inc()
		log.Error().Err(err).
			Str("state", invalid.From.String()).
			Msg("migration record is not in progress after conversion; worker halted, operator action required")
		return fmt.Errorf("%w: %w", constants.ErrWorkerHalted, err)
	case err != nil:
		w.abandon(tenant, episode)
		metrics.MigrationsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Error().Err(err).Msg("conversion done but finish not recorded, wallet stays in progress")
		return fmt.Errorf("failed to finish migration of wallet %s: %w", tenant, err)
	}

	w.forget(tenant)
	w.cache.MarkCompleted(tenant)
	metrics.MigrationsTotal.WithLabelValues(metrics.OutcomeFinished).Inc()
	log.Info().Dur("elapsed", time.Since(start)).Msg("migration finished")
	return nil
}

// discovered is the path for a wallet migrated by someone else.
func (w *Worker) discovered(rec models.MigrationRecord) {
	w.cache.MarkPending(rec.Tenant)
	if w.pollers != nil {
		w.pollers.Ensure(rec.Tenant)
	}
}

func (w *Worker) claim(tenant models.TenantID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.running[tenant]; ok {
		return false
	}
	w.running[tenant] = struct{}{}
	return true
}

func (w *Worker) release(tenant models.TenantID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running, tenant)
}

func (w *Worker) abandon(tenant models.TenantID, episode string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abandoned[tenant] = episode
}

func (w *Worker) forget(tenant models.TenantID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.abandoned, tenant)
}

// abandonedEpisode returns the failed episode of tenant, or "" if none.
func (w *Worker) abandonedEpisode(tenant models.TenantID) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abandoned[tenant]
}

func (w *Worker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) halt(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.halted == nil {
		w.halted = err
	}
}
