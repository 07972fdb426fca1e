package walletdata

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/surrealdb/walletmigrate/pkg/models"
)

// DefaultBatchSize bounds the records rewritten per transaction.
const DefaultBatchSize = 256

// Converter rewrites a wallet's legacy records into the current format.
//
// Each batch commits on its own, and records already in the current format
// are skipped, so Convert can be cancelled at any point and called again to
// pick up where it stopped.
type Converter struct {
	store     Store
	batchSize int
	log       zerolog.Logger
}

func NewConverter(store Store, batchSize int, log zerolog.Logger) *Converter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Converter{
		store:     store,
		batchSize: batchSize,
		log:       log.With().Str("component", "converter").Logger(),
	}
}

// Convert implements migrator.Converter.
func (c *Converter) Convert(ctx context.Context, tenant models.TenantID) error {
	log := c.log.With().Str("wallet", tenant.String()).Logger()
	total := 0
	from := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, next, err := c.store.ConvertBatch(ctx, tenant, from, c.batchSize)
		if err != nil {
			return fmt.Errorf("converted %d records before failing: %w", total, err)
		}
		total += n
		if next == "" {
			log.Info().Int("converted", total).Msg("wallet records converted")
			return nil
		}
		from = next
		log.Debug().Int("batch", n).Int("converted", total).Msg("converted batch")
	}
}
