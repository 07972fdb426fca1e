// Package gate decides, per wallet-scoped request, whether the wallet may be
// served. A wallet is served when this process knows its migration finished,
// or when the migration record store says it never started. A wallet whose
// migration is in progress anywhere is rejected with a *RejectionError until
// a convergence poller observes the migration finish.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/metrics"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/recordstore"
	"github.com/surrealdb/walletmigrate/pkg/statuscache"
)

// RejectionError is returned for a wallet whose migration is in progress.
// It matches constants.ErrMigrationInProgress.
type RejectionError struct {
	Tenant     models.TenantID
	RetryAfter time.Duration
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("wallet %s: %v", e.Tenant, constants.ErrMigrationInProgress)
}

func (e *RejectionError) Is(target error) bool {
	return target == constants.ErrMigrationInProgress
}

// Poller starts convergence pollers. It is satisfied by *poller.Registry.
type Poller interface {
	Ensure(tenant models.TenantID) bool
}

// Config tunes the gate.
type Config struct {
	// RetryAfter is the hint returned with every rejection.
	RetryAfter time.Duration

	// ReadTimeout bounds a shared record read on a cache miss. The read does
	// not follow any one request's cancellation, since other requests for
	// the wallet wait on the same result.
	ReadTimeout time.Duration

	// Local reports whether this process is itself converting the wallet.
	// No poller is started for such wallets; the worker marks them completed.
	Local func(models.TenantID) bool
}

// Gate is safe for concurrent use.
type Gate struct {
	store   recordstore.Reader
	cache   *statuscache.Cache
	pollers Poller
	cfg     Config
	log     zerolog.Logger

	reads singleflight.Group
}

func New(store recordstore.Reader, cache *statuscache.Cache, pollers Poller, cfg Config, log zerolog.Logger) *Gate {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = constants.DefaultRetryAfter
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = constants.DefaultReadTimeout
	}
	return &Gate{
		store:   store,
		cache:   cache,
		pollers: pollers,
		cfg:     cfg,
		log:     log.With().Str("component", "gate").Logger(),
	}
}

// Check resolves the wallet's migration state. A nil error means the request
// may proceed; the returned state is models.StateFinished or models.StateNone
// and tells the handler which record format the wallet uses.
//
// A *RejectionError means the wallet is mid-migration. Any other error wraps
// constants.ErrStoreUnavailable: the state could not be determined and the
// request must not be served.
func (g *Gate) Check(ctx context.Context, tenant models.TenantID) (models.MigrationState, error) {
	switch g.cache.Status(tenant) {
	case statuscache.StatusCompleted:
		metrics.GateDecisions.WithLabelValues(metrics.DecisionForward, metrics.SourceCache).Inc()
		return models.StateFinished, nil
	case statuscache.StatusPending:
		g.ensurePoller(tenant)
		metrics.GateDecisions.WithLabelValues(metrics.DecisionReject, metrics.SourceCache).Inc()
		return models.StateInProgress, g.reject(tenant)
	}

	rec, err := g.read(ctx, tenant)
	if err != nil {
		metrics.GateDecisions.WithLabelValues(metrics.DecisionError, metrics.SourceStore).Inc()
		g.log.Warn().Err(err).Str("wallet", tenant.String()).Msg("failed to read migration record, rejecting request")
		return models.StateNone, err
	}

	switch rec.State {
	case models.StateFinished:
		g.cache.MarkCompleted(tenant)
		metrics.GateDecisions.WithLabelValues(metrics.DecisionForward, metrics.SourceStore).Inc()
		return models.StateFinished, nil
	case models.StateInProgress:
		if g.cache.MarkPending(tenant) {
			g.log.Info().Str("wallet", tenant.String()).Str("owner", rec.Owner).Msg("discovered migration in progress")
		}
		g.ensurePoller(tenant)
		metrics.GateDecisions.WithLabelValues(metrics.DecisionReject, metrics.SourceStore).Inc()
		return models.StateInProgress, g.reject(tenant)
	default:
		// Not cached: a migration may begin at any moment, and only the
		// record store can say so.
		metrics.GateDecisions.WithLabelValues(metrics.DecisionForward, metrics.SourceStore).Inc()
		return models.StateNone, nil
	}
}

// read collapses concurrent record reads for the same wallet.
func (g *Gate) read(ctx context.Context, tenant models.TenantID) (models.MigrationRecord, error) {
	ch := g.reads.DoChan(string(tenant), func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ReadTimeout)
		defer cancel()
		return g.store.Get(readCtx, tenant)
	})
	select {
	case <-ctx.Done():
		return models.MigrationRecord{}, recordstore.Unavailable("check", tenant, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			if !errors.Is(res.Err, constants.ErrStoreUnavailable) {
				return models.MigrationRecord{}, recordstore.Unavailable("check", tenant, res.Err)
			}
			return models.MigrationRecord{}, res.Err
		}
		return res.Val.(models.MigrationRecord), nil
	}
}

func (g *Gate) ensurePoller(tenant models.TenantID) {
	if g.pollers == nil {
		return
	}
	if g.cfg.Local != nil && g.cfg.Local(tenant) {
		return
	}
	if g.pollers.Ensure(tenant) {
		g.log.Debug().Str("wallet", tenant.String()).Msg("started convergence poller")
	}
}

func (g *Gate) reject(tenant models.TenantID) error {
	return &RejectionError{Tenant: tenant, RetryAfter: g.cfg.RetryAfter}
}

// RetryAfter returns the configured rejection hint.
func (g *Gate) RetryAfter() time.Duration {
	return g.cfg.RetryAfter
}
