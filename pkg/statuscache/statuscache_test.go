package statuscache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/surrealdb/walletmigrate/pkg/models"
)

func TestCacheTransitions(t *testing.T) {
	c := New()
	const w = models.TenantID("wallet-1")

	assert.Equal(t, StatusUnknown, c.Status(w))
	assert.False(t, c.IsPending(w))
	assert.False(t, c.IsCompleted(w))

	assert.True(t, c.MarkPending(w))
	assert.False(t, c.MarkPending(w), "second MarkPending is a no-op")
	assert.True(t, c.IsPending(w))
	assert.Equal(t, StatusPending, c.Status(w))

	c.MarkCompleted(w)
	assert.False(t, c.IsPending(w))
	assert.True(t, c.IsCompleted(w))
	assert.Equal(t, StatusCompleted, c.Status(w))

	c.MarkCompleted(w)
	pending, completed := c.Len()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, completed)
}

func TestCompletedIsNeverDemoted(t *testing.T) {
	c := New()
	const w = models.TenantID("wallet-1")

	c.MarkCompleted(w)
	assert.False(t, c.MarkPending(w))
	assert.True(t, c.IsCompleted(w))
	assert.False(t, c.IsPending(w))
}

func TestCacheConcurrentMonotonic(t *testing.T) {
	c := New()
	const writers = 16
	tenants := make([]models.TenantID, 64)
	for i := range tenants {
		tenants[i] = models.TenantID(fmt.Sprintf("wallet-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for _, w := range tenants {
				c.MarkPending(w)
				if i%2 == 0 {
					c.MarkCompleted(w)
				}
			}
		}(i)
	}

	// Once a reader sees completed, it must keep seeing completed.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			seen := make(map[models.TenantID]bool)
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, w := range tenants {
					s := c.Status(w)
					if seen[w] {
						assert.Equal(t, StatusCompleted, s, "wallet %s regressed", w)
					}
					if s == StatusCompleted {
						seen[w] = true
					}
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	for _, w := range tenants {
		assert.True(t, c.IsCompleted(w))
	}
}
