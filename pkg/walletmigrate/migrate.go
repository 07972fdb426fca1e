package walletmigrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/surrealdb/walletmigrate/pkg/migrator"
	"github.com/surrealdb/walletmigrate/pkg/models"
)

// Migrate runs one wallet's migration in the foreground. When another
// process owns the episode it waits for that process to finish.
func (a *App) Migrate(ctx context.Context, cmd *MigrateCommand) error {
	tenant, err := models.ParseTenantID(cmd.Wallet)
	if err != nil {
		return err
	}

	outcome, err := a.worker.Migrate(ctx, tenant)
	if err != nil {
		return err
	}
	log := a.log.With().Str("wallet", tenant.String()).Str("outcome", outcome.String()).Logger()

	if outcome == migrator.AlreadyInProgress {
		log.Info().Msg("waiting for the owning process to finish")
		if err := a.waitCompleted(ctx, tenant); err != nil {
			return err
		}
	}
	log.Info().Msg("wallet migrated")
	return nil
}

func (a *App) waitCompleted(ctx context.Context, tenant models.TenantID) error {
	a.pollers.Ensure(tenant)
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()
	for !a.cache.IsCompleted(tenant) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// walletStatus is the status document printed by the CLI and returned by the
// admin API.
type walletStatus struct {
	Wallet  string                 `json:"wallet"`
	Record  models.MigrationRecord `json:"record"`
	Cache   string                 `json:"cache"`
	Running bool                   `json:"running"`
	Polling bool                   `json:"polling"`
	Formats map[string]int         `json:"formats,omitempty"`
}

func (a *App) walletStatus(ctx context.Context, tenant models.TenantID) (walletStatus, error) {
	rec, err := a.records.Get(ctx, tenant)
	if err != nil {
		return walletStatus{}, err
	}
	counts, err := a.wallets.Count(ctx, tenant)
	if err != nil {
		return walletStatus{}, err
	}
	formats := make(map[string]int, len(counts))
	for f, n := range counts {
		formats[f.String()] = n
	}
	return walletStatus{
		Wallet:  tenant.String(),
		Record:  rec,
		Cache:   a.cache.Status(tenant).String(),
		Running: a.worker.Running(tenant),
		Polling: a.pollers.Running(tenant),
		Formats: formats,
	}, nil
}

// Status prints a wallet's status as JSON.
func (a *App) Status(ctx context.Context, cmd *StatusCommand) error {
	tenant, err := models.ParseTenantID(cmd.Wallet)
	if err != nil {
		return err
	}
	status, err := a.walletStatus(ctx, tenant)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}
