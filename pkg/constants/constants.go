package constants

import "time"

var (
	// MigrationTable is the table (SurrealDB) or relation (SQL) holding one migration record per wallet.
	MigrationTable = "wallet_migration"

	// MigrationKeyPrefix prefixes migration records in key/value engines.
	MigrationKeyPrefix = "m/"

	// WalletKeyPrefix prefixes wallet records in key/value engines.
	WalletKeyPrefix = "w/"

	// WalletRecordTable holds wallet records in SQL and SurrealDB.
	WalletRecordTable = "wallet_record"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultStuckAfter   = 30 * time.Minute
	DefaultRetryAfter   = 5 * time.Second
	DefaultReadTimeout  = 5 * time.Second
)

// Rejection codes carried in the JSON body of gated responses.
const (
	CodeMigrationInProgress = "migration_in_progress"
	CodeStatusUnavailable   = "migration_status_unavailable"
	CodeInvalidWallet       = "invalid_wallet"
)
