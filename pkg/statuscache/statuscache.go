// Package statuscache holds one process's view of which wallets have finished
// migrating and which are known to be mid-migration.
//
// The cache is read-through and never stale in the forward direction: a wallet
// marked completed stays completed for the life of the process, because a
// finished migration record is terminal. Wallets absent from both sets are
// unknown and must be resolved against the migration record store.
package statuscache

import (
	"sync"

	"github.com/surrealdb/walletmigrate/pkg/models"
)

// Status is the locally observed state of a wallet.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Cache is safe for concurrent use. The zero value is not usable; call New.
type Cache struct {
	mu        sync.RWMutex
	completed map[models.TenantID]struct{}
	pending   map[models.TenantID]struct{}
}

func New() *Cache {
	return &Cache{
		completed: make(map[models.TenantID]struct{}),
		pending:   make(map[models.TenantID]struct{}),
	}
}

func (c *Cache) IsCompleted(tenant models.TenantID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.completed[tenant]
	return ok
}

func (c *Cache) IsPending(tenant models.TenantID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pending[tenant]
	return ok
}

// Status returns the wallet's state under a single read lock.
func (c *Cache) Status(tenant models.TenantID) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.completed[tenant]; ok {
		return StatusCompleted
	}
	if _, ok := c.pending[tenant]; ok {
		return StatusPending
	}
	return StatusUnknown
}

// MarkPending records an observed in-progress migration. It reports whether
// the wallet was newly added. A completed wallet is never demoted.
func (c *Cache) MarkPending(tenant models.TenantID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.completed[tenant]; ok {
		return false
	}
	if _, ok := c.pending[tenant]; ok {
		return false
	}
	c.pending[tenant] = struct{}{}
	return true
}

// MarkCompleted records an observed finished migration and drops the wallet
// from the pending set. It is idempotent.
func (c *Cache) MarkCompleted(tenant models.TenantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, tenant)
	c.completed[tenant] = struct{}{}
}

// Len returns the number of pending and completed wallets.
func (c *Cache) Len() (pending, completed int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending), len(c.completed)
}
