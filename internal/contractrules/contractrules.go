// Package contractrules implements the read-through contract-rules cache
// (C13, §4.12): looks up the tax-lot allocation method for a contractId,
// bounded by a hard timeout, falling back to a configured default (FIFO
// unless overridden) when a cache miss's upstream fetch times out or fails.
//
// Grounded on patrickmn/go-cache's TTL-map idiom, used across the example
// pack for exactly this "hold a value for N minutes, refetch on expiry"
// shape, combined with golang.org/x/sync/singleflight to collapse
// concurrent cache misses for the same contractId into a single upstream
// call — so a burst of trades against one just-expired contract doesn't
// fan out N simultaneous lookups, all racing the same 40ms budget.
package contractrules

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/chidi150c/swapengine/internal/domain"
	"github.com/chidi150c/swapengine/internal/telemetry"
)

// Fetcher calls the external Contract Service (§6: getRules(contractId)).
type Fetcher func(ctx context.Context, contractID string) (domain.TaxLotMethod, error)

// Cache is the read-through contract-rules lookup.
type Cache struct {
	local       *gocache.Cache
	fetch       Fetcher
	group       singleflight.Group
	hardTimeout time.Duration
	fallback    domain.TaxLotMethod
}

// New builds a Cache. ttl is how long a fetched value stays valid locally;
// hardTimeout bounds how long Lookup may block before falling back;
// fallback is the method used when no value can be obtained in time.
func New(fetch Fetcher, ttl, hardTimeout time.Duration, fallback domain.TaxLotMethod) *Cache {
	return &Cache{
		local:       gocache.New(ttl, ttl*2),
		fetch:       fetch,
		hardTimeout: hardTimeout,
		fallback:    fallback,
	}
}

// Lookup returns the tax-lot method for contractID, never blocking beyond
// the configured hard timeout. On a timeout or fetch error, it returns the
// configured fallback method and increments the cache-result metric so
// operators can see how often real contract rules are being missed.
func (c *Cache) Lookup(ctx context.Context, contractID string) domain.TaxLotMethod {
	if v, ok := c.local.Get(contractID); ok {
		telemetry.ContractRulesCacheResult.WithLabelValues("hit").Inc()
		return v.(domain.TaxLotMethod)
	}

	ctx, cancel := context.WithTimeout(ctx, c.hardTimeout)
	defer cancel()

	resultCh := c.group.DoChan(contractID, func() (interface{}, error) {
		return c.fetch(context.WithoutCancel(ctx), contractID)
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			telemetry.ContractRulesCacheResult.WithLabelValues("error_fallback").Inc()
			return c.fallback
		}
		method := res.Val.(domain.TaxLotMethod)
		c.local.SetDefault(contractID, method)
		telemetry.ContractRulesCacheResult.WithLabelValues("miss").Inc()
		return method
	case <-ctx.Done():
		telemetry.ContractRulesCacheResult.WithLabelValues("timeout_fallback").Inc()
		return c.fallback
	}
}

