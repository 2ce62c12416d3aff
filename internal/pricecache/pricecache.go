// Package pricecache holds USD<->token conversion quotes behind a
// TTL-refresh-with-stale-fallback cache, the same shape stronghold uses to
// avoid hitting an external facilitator on every health check. It never
// influences settlement math (see internal/money, internal/registry) —
// pricing is display-only, and this package is kept free of any import on
// settlement or verifier code so that isolation cannot erode by accident.
package pricecache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Quote is a USD<->token conversion at a point in time.
type Quote struct {
	Symbol    string
	USDPrice  float64 // USD per one whole token
	FetchedAt time.Time
}

// Fetcher retrieves a fresh quote for symbol from an upstream price source.
type Fetcher func(ctx context.Context, symbol string) (Quote, error)

// Cache is a TTL cache that serves a stale quote rather than an error when
// a refresh fails — price data degrading gracefully is preferable to a
// quote endpoint going down because an upstream source blipped.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	fetch   Fetcher
	entries map[string]entry
}

type entry struct {
	quote  Quote
	expiry time.Time
}

// New constructs a cache with the given refresh TTL and upstream fetcher.
func New(ttl time.Duration, fetch Fetcher) *Cache {
	return &Cache{ttl: ttl, fetch: fetch, entries: make(map[string]entry)}
}

// Get returns a fresh quote if available, refreshing on expiry. If the
// refresh fails and a previous (now-stale) quote exists, that stale quote
// is returned instead of the error — callers that need to know staleness
// can compare Quote.FetchedAt against time.Now() themselves.
func (c *Cache) Get(ctx context.Context, symbol string) (Quote, error) {
	c.mu.Lock()
	e, ok := c.entries[symbol]
	fresh := ok && time.Now().Before(e.expiry)
	c.mu.Unlock()

	if fresh {
		return e.quote, nil
	}

	quote, err := c.fetch(ctx, symbol)
	if err != nil {
		if ok {
			return e.quote, nil
		}
		return Quote{}, fmt.Errorf("pricecache: fetch %s: %w", symbol, err)
	}

	quote.FetchedAt = time.Now()
	c.mu.Lock()
	c.entries[symbol] = entry{quote: quote, expiry: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return quote, nil
}

// Invalidate drops a cached quote, forcing the next Get to refresh.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.entries, symbol)
	c.mu.Unlock()
}
