package cache

import (
	"context"
	"log"
	"sync"
	"time"
)

// Tier is one storage level. Tiers are ordered fastest to slowest; a miss
// falls through to the next tier and a hit back-fills the faster ones.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// TTLs caps entry lifetime per tier: memory shortest, disk longest.
type TTLs struct {
	Memory      time.Duration
	Distributed time.Duration
	Disk        time.Duration
}

func (t TTLs) withDefaults() TTLs {
	if t.Memory <= 0 {
		t.Memory = 5 * time.Minute
	}
	if t.Distributed <= 0 {
		t.Distributed = time.Hour
	}
	if t.Disk <= 0 {
		t.Disk = 24 * time.Hour
	}
	return t
}

func (t TTLs) forTier(name string, requested time.Duration) time.Duration {
	limit := t.Disk
	switch name {
	case TierMemory:
		limit = t.Memory
	case TierDistributed:
		limit = t.Distributed
	case TierDisk:
		limit = t.Disk
	}
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

const (
	TierMemory      = "memory"
	TierDistributed = "distributed"
	TierDisk        = "disk"
)

// Cache looks entries up memory-first, then distributed, then disk. The
// cache is an optimization, not a correctness dependency: slow-tier write
// failures are logged and never surfaced to callers.
type Cache struct {
	tiers []Tier
	ttls  TTLs

	// async gates background writes to slower tiers; tests disable it.
	async   bool
	pending sync.WaitGroup
}

func New(ttls TTLs, tiers ...Tier) *Cache {
	return &Cache{
		tiers: tiers,
		ttls:  ttls.withDefaults(),
		async: true,
	}
}

// Get returns the cached value and the tier it was found in. A hit at a
// slower tier populates every faster tier before returning.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, string, bool) {
	for i, tier := range c.tiers {
		value, ok, err := tier.Get(ctx, key)
		if err != nil {
			log.Printf("cache: get from %s tier failed: %v", tier.Name(), err)
			continue
		}
		if !ok {
			continue
		}
		for _, faster := range c.tiers[:i] {
			ttl := c.ttls.forTier(faster.Name(), 0)
			if err := faster.Put(ctx, key, value, ttl); err != nil {
				log.Printf("cache: backfill to %s tier failed: %v", faster.Name(), err)
			}
		}
		return value, tier.Name(), true
	}
	return nil, "", false
}

// Put writes the entry to every tier: synchronously for the memory tier,
// best-effort in the background for the rest.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	for _, tier := range c.tiers {
		tierTTL := c.ttls.forTier(tier.Name(), ttl)
		if tier.Name() == TierMemory {
			if err := tier.Put(ctx, key, value, tierTTL); err != nil {
				log.Printf("cache: put to memory tier failed: %v", err)
			}
			continue
		}
		if !c.async {
			if err := tier.Put(ctx, key, value, tierTTL); err != nil {
				log.Printf("cache: put to %s tier failed: %v", tier.Name(), err)
			}
			continue
		}
		c.pending.Add(1)
		go func(tier Tier, ttl time.Duration) {
			defer c.pending.Done()
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tier.Put(writeCtx, key, value, ttl); err != nil {
				log.Printf("cache: put to %s tier failed: %v", tier.Name(), err)
			}
		}(tier, tierTTL)
	}
}

// Flush waits for in-flight background writes. Used on shutdown.
func (c *Cache) Flush() {
	c.pending.Wait()
}
