package adapters

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/tradeguard/internal/decision"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
)

type cachedContext struct {
	mkt      domain.MarketContext
	cachedAt time.Time
}

// MarketCache is a TTL cache in front of a MarketSource. Failed fetches
// are never cached.
type MarketCache struct {
	next    decision.MarketSource
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]cachedContext
	now     func() time.Time
}

func NewMarketCache(next decision.MarketSource, ttl time.Duration) *MarketCache {
	return &MarketCache{next: next, ttl: ttl, entries: map[string]cachedContext{}, now: time.Now}
}

func (c *MarketCache) Market(ctx context.Context, ticker string) (domain.MarketContext, error) {
	key := strings.ToUpper(ticker)

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(cached.cachedAt) < c.ttl {
		observ.IncCounter("market_cache_total", map[string]string{"result": "hit"})
		return cached.mkt, nil
	}
	observ.IncCounter("market_cache_total", map[string]string{"result": "miss"})

	mkt, err := c.next.Market(ctx, key)
	if err != nil {
		return domain.MarketContext{}, err
	}
	c.mu.Lock()
	c.entries[key] = cachedContext{mkt: mkt, cachedAt: c.now()}
	c.mu.Unlock()
	return mkt, nil
}

// Cleanup drops expired entries and returns how many it removed.
func (c *MarketCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for k, e := range c.entries {
		if now.Sub(e.cachedAt) >= c.ttl {
			delete(c.entries, k)
			evicted++
		}
	}
	if evicted > 0 {
		observ.IncCounterBy("market_cache_evictions_total", nil, float64(evicted))
	}
	observ.SetGauge("market_cache_size", float64(len(c.entries)), nil)
	return evicted
}
