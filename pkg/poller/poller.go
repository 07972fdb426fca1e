// Package poller runs convergence pollers: one goroutine per wallet that this
// process has seen mid-migration but is not migrating itself. Each poller
// re-reads the wallet's migration record until it is finished, marks the
// wallet completed in the local status cache and exits.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/metrics"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/recordstore"
	"github.com/surrealdb/walletmigrate/pkg/retry"
	"github.com/surrealdb/walletmigrate/pkg/statuscache"
)

// Config controls poll timing.
type Config struct {
	// Interval between record reads. It bounds how long this process keeps
	// rejecting a wallet after its migration finished elsewhere.
	Interval time.Duration

	// StuckAfter is how long a migration may stay in progress before the
	// poller warns about it. Zero disables the check.
	StuckAfter time.Duration

	// Backoff spaces out reads while the record store is failing. A nil
	// Backoff retries at Interval.
	Backoff retry.Retryer
}

// Registry owns every poller in the process. At most one poller runs per
// wallet.
type Registry struct {
	store recordstore.Reader
	cache *statuscache.Cache
	cfg   Config
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[models.TenantID]struct{}
	closed  bool
}

func New(store recordstore.Reader, cache *statuscache.Cache, cfg Config, log zerolog.Logger) *Registry {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:   store,
		cache:   cache,
		cfg:     cfg,
		log:     log.With().Str("component", "poller").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[models.TenantID]struct{}),
	}
}

// Ensure starts a poller for tenant unless one is already running, the
// wallet is already completed locally or the registry is closed. It reports
// whether a new poller was started.
func (r *Registry) Ensure(tenant models.TenantID) bool {
	if r.cache.IsCompleted(tenant) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, ok := r.running[tenant]; ok {
		return false
	}
	r.running[tenant] = struct{}{}
	r.wg.Add(1)
	metrics.PollersActive.Inc()

	go r.run(tenant)
	return true
}

// Running reports whether a poller for tenant is alive.
func (r *Registry) Running(tenant models.TenantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[tenant]
	return ok
}

// Len returns the number of live pollers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Close stops every poller and waits for them to exit. Ensure is a no-op
// afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Registry) run(tenant models.TenantID) {
	log := r.log.With().Str("wallet", tenant.String()).Logger()
	stuck := false
	missing := false

	defer func() {
		r.mu.Lock()
		delete(r.running, tenant)
		r.mu.Unlock()
		metrics.PollersActive.Dec()
		if stuck {
			metrics.StuckMigrations.Dec()
		}
		r.wg.Done()
	}()

	log.Debug().Dur("interval", r.cfg.Interval).Msg("poller started")

	failures := 0
	timer := time.NewTimer(r.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Debug().Msg("poller stopped")
			return
		case <-timer.C:
		}

		// The migrating process, or another poller path, may have finished
		// the wallet locally.
		if r.cache.IsCompleted(tenant) {
			log.Debug().Msg("wallet completed locally, poller exiting")
			return
		}

		rec, err := r.store.Get(r.ctx, tenant)
		if err != nil {
			if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
				return
			}
			delay := r.cfg.Interval
			if r.cfg.Backoff != nil {
				if d, ok := r.cfg.Backoff.NextDelay(failures, err); ok {
					delay = d
				}
			}
			failures++
			log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("failed to read migration record")
			timer.Reset(delay)
			continue
		}
		failures = 0

		switch rec.State {
		case models.StateFinished:
			r.cache.MarkCompleted(tenant)
			log.Info().Str("owner", rec.Owner).Msg("migration finished, wallet completed")
			return
		case models.StateInProgress:
			missing = false
			if !stuck && r.cfg.StuckAfter > 0 && !rec.StartedAt.IsZero() && time.Since(rec.StartedAt) > r.cfg.StuckAfter {
				stuck = true
				metrics.StuckMigrations.Inc()
				log.Warn().
					Str("owner", rec.Owner).
					Str("episode", rec.Episode).
					Time("started_at", rec.StartedAt).
					Msg("migration in progress longer than expected, owner may have crashed")
			}
		default:
			// A pending wallet cannot go back to none; keep polling until
			// an operator restores the record.
			if !missing {
				missing = true
				log.Error().Str("state", rec.State.String()).Msg("migration record missing for pending wallet")
			}
		}
		timer.Reset(r.cfg.Interval)
	}
}
