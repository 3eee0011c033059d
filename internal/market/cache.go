// Package market provides the in-memory market-data caches.
//
// Cache holds the latest mark price per instrument, fed by the exchange
// adapter's subscription callback — the cache is the only consumer of that
// callback. Readers (monitor loop, reporting) observe the latest value;
// stale reads are permitted, but consumers reject ticks older than their
// configured max age via the Timestamp on each entry.
//
// Instruments caches immutable contract specs, fetched once per symbol.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-executor/pkg/types"
)

// Cache is the latest-mark-price map. Written by a single task (the WS
// subscription reader), read by many.
type Cache struct {
	mu     sync.RWMutex
	prices map[string]types.MarkPrice
}

// NewCache creates an empty price cache.
func NewCache() *Cache {
	return &Cache{prices: make(map[string]types.MarkPrice)}
}

// Update records the latest mark price for a symbol. Ticks that arrive out
// of order (older than the stored value) are dropped.
func (c *Cache) Update(symbol string, price decimal.Decimal, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.prices[symbol]; ok && ts.Before(cur.Timestamp) {
		return
	}
	c.prices[symbol] = types.MarkPrice{Symbol: symbol, Price: price, Timestamp: ts}
}

// Get returns the latest mark price for a symbol, if any.
func (c *Cache) Get(symbol string) (types.MarkPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mp, ok := c.prices[symbol]
	return mp, ok
}

// GetFresh returns the latest mark price only if it is younger than maxAge.
func (c *Cache) GetFresh(symbol string, maxAge time.Duration, now time.Time) (types.MarkPrice, bool) {
	mp, ok := c.Get(symbol)
	if !ok {
		return types.MarkPrice{}, false
	}
	if now.Sub(mp.Timestamp) > maxAge {
		return types.MarkPrice{}, false
	}
	return mp, true
}

// Forget drops the cached price for a symbol (after its subscription is
// released).
func (c *Cache) Forget(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.prices, symbol)
}

// Len returns the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
