// Package testenv locates the external databases used by integration tests.
//
// Tests that need SurrealDB or PostgreSQL call the helpers below, which skip
// the test unless the corresponding environment variable is set.
package testenv

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/surrealdb/walletmigrate/pkg/recordstore/surrealstore"
)

const (
	// EnvSurrealURL is the SurrealDB endpoint, for example ws://localhost:8000/rpc.
	EnvSurrealURL = "SURREALDB_URL"

	// EnvSurrealUser and EnvSurrealPass default to root/root.
	EnvSurrealUser = "SURREALDB_USER"
	EnvSurrealPass = "SURREALDB_PASS"

	// EnvPostgresDSN is a PostgreSQL connection string.
	EnvPostgresDSN = "POSTGRES_DSN"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PostgresDSN returns the configured DSN or skips the test.
func PostgresDSN(t testing.TB) string {
	t.Helper()
	dsn := os.Getenv(EnvPostgresDSN)
	if dsn == "" {
		t.Skipf("%s not set", EnvPostgresDSN)
	}
	return dsn
}

// SurrealConfig returns a connection config for a fresh database named after
// the test, or skips the test when no SurrealDB endpoint is configured.
func SurrealConfig(t testing.TB) surrealstore.Config {
	t.Helper()
	url := os.Getenv(EnvSurrealURL)
	if url == "" {
		t.Skipf("%s not set", EnvSurrealURL)
	}
	return surrealstore.Config{
		URL:       url,
		Namespace: "walletmigrate_test",
		Database:  fmt.Sprintf("t%d", time.Now().UnixNano()),
		Username:  getEnv(EnvSurrealUser, "root"),
		Password:  getEnv(EnvSurrealPass, "root"),
	}
}

// NewSurrealStore connects to the configured SurrealDB and removes the
// migration table so every test starts empty.
func NewSurrealStore(t testing.TB) *surrealstore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := surrealstore.New(ctx, SurrealConfig(t))
	if err != nil {
		t.Fatalf("failed to connect to SurrealDB: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		_ = s.Close()
		t.Fatalf("failed to reset SurrealDB: %v", err)
	}
	return s
}
