package chain

import (
	"context"
	"sync"
	"time"
)

// BlockhashCache wraps a Verifier and reuses RecentBlockhash results for ttl.
// Verification calls pass straight through.
type BlockhashCache struct {
	Verifier

	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	blockhash string
	fetchedAt time.Time
}

// NewBlockhashCache creates a caching decorator around v.
func NewBlockhashCache(v Verifier, ttl time.Duration) *BlockhashCache {
	return &BlockhashCache{Verifier: v, ttl: ttl, now: time.Now}
}

// RecentBlockhash returns the cached blockhash while it is fresh, otherwise fetches a new one.
// A failed refresh is returned as an error; a stale value is never served.
func (c *BlockhashCache) RecentBlockhash(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blockhash != "" && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.blockhash, nil
	}

	blockhash, err := c.Verifier.RecentBlockhash(ctx)
	if err != nil {
		return "", err
	}

	c.blockhash = blockhash
	c.fetchedAt = c.now()
	return blockhash, nil
}
