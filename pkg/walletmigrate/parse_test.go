package walletmigrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/walletmigrate/pkg/constants"
)

func TestParseRun(t *testing.T) {
	cmd, config, err := Parse([]string{"-instance", "node-a", "-poll-interval", "250ms", "run"})
	require.NoError(t, err)
	assert.IsType(t, &RunCommand{}, cmd)
	assert.Equal(t, "run", cmd.Name())
	assert.Equal(t, EngineBadger, config.Engine)
	assert.Equal(t, "node-a", config.Instance)
	assert.Equal(t, 250*time.Millisecond, config.PollInterval)
	assert.Equal(t, constants.DefaultStuckAfter, config.StuckAfter)
	assert.Equal(t, constants.DefaultRetryAfter, config.RetryAfter)
	assert.Equal(t, "8080", config.ServerPort)
}

func TestParseWalletCommands(t *testing.T) {
	cmd, _, err := Parse([]string{"migrate", "-wallet", "alice"})
	require.NoError(t, err)
	require.IsType(t, &MigrateCommand{}, cmd)
	assert.Equal(t, "alice", cmd.(*MigrateCommand).Wallet)

	cmd, _, err = Parse([]string{"-engine", "surrealdb", "status", "-wallet", "bob"})
	require.NoError(t, err)
	require.IsType(t, &StatusCommand{}, cmd)
	assert.Equal(t, "bob", cmd.(*StatusCommand).Wallet)
}

func TestParseErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"no command":     {},
		"unknown":        {"sync"},
		"missing wallet": {"migrate"},
		"bad engine":     {"-engine", "mysql", "run"},
		"zero interval":  {"-poll-interval", "0s", "run"},
		"empty instance": {"-instance", "", "run"},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := Parse(args)
			assert.Error(t, err)
		})
	}
}

func TestDefaultInstanceIsUniquePerProcess(t *testing.T) {
	t.Setenv("WALLETMIGRATE_INSTANCE", "")

	_, first, err := Parse([]string{"run"})
	require.NoError(t, err)
	_, second, err := Parse([]string{"run"})
	require.NoError(t, err)

	assert.NotEmpty(t, first.Instance)
	assert.NotEqual(t, first.Instance, second.Instance)
}

func TestParseEnvironment(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://u:p@db:5432/w")
	t.Setenv("SURREALDB_NS", "prod")
	t.Setenv("WALLETMIGRATE_ENGINE", EnginePostgres)
	t.Setenv("WALLETMIGRATE_INSTANCE", "node-env")

	_, config, err := Parse([]string{"run"})
	require.NoError(t, err)
	assert.Equal(t, EnginePostgres, config.Engine)
	assert.Equal(t, "node-env", config.Instance)
	assert.Equal(t, "postgres://u:p@db:5432/w", config.PostgresDSN)
	assert.Equal(t, "prod", config.SurrealDBNS)
	assert.Equal(t, "walletmigrate", config.SurrealDBDB)
}
