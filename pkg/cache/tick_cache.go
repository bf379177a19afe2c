package cache

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"venue-guard/pkg/marketdata"
)

const numShards = 16

// DefaultTickCapacity is the per-symbol history length when none is configured.
const DefaultTickCapacity = 1000

// TickCache keeps a bounded tick history per symbol. The symbol registry is
// sharded; each symbol's history carries its own lock so writers on different
// symbols never contend.
type TickCache struct {
	capacity int
	shards   [numShards]*tickShard
	now      func() time.Time
}

type tickShard struct {
	mu    sync.RWMutex
	items map[string]*tickHistory
}

type tickHistory struct {
	mu    sync.RWMutex
	ticks *Ring[marketdata.Tick]
}

// NewTickCache creates a cache holding capacity ticks per symbol.
func NewTickCache(capacity int) *TickCache {
	if capacity <= 0 {
		capacity = DefaultTickCapacity
	}
	c := &TickCache{capacity: capacity, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &tickShard{items: make(map[string]*tickHistory)}
	}
	return c
}

// WithClock overrides the clock used for age computations.
func (c *TickCache) WithClock(now func() time.Time) *TickCache {
	c.now = now
	return c
}

// Capacity returns the per-symbol history length.
func (c *TickCache) Capacity() int { return c.capacity }

func (c *TickCache) getShard(key string) *tickShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// lookup never allocates for unseen symbols.
func (c *TickCache) lookup(symbol string) *tickHistory {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	hist := shard.items[symbol]
	shard.mu.RUnlock()
	return hist
}

func (c *TickCache) lookupOrCreate(symbol string) *tickHistory {
	if hist := c.lookup(symbol); hist != nil {
		return hist
	}
	shard := c.getShard(symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	hist, ok := shard.items[symbol]
	if !ok {
		hist = &tickHistory{ticks: NewRing[marketdata.Tick](c.capacity)}
		shard.items[symbol] = hist
	}
	return hist
}

// Update appends tick to the symbol's history, evicting the oldest when full.
func (c *TickCache) Update(symbol string, tick marketdata.Tick) {
	hist := c.lookupOrCreate(symbol)
	hist.mu.Lock()
	hist.ticks.Push(tick)
	hist.mu.Unlock()
}

// Latest returns the newest tick for symbol.
func (c *TickCache) Latest(symbol string) (marketdata.Tick, bool) {
	hist := c.lookup(symbol)
	if hist == nil {
		return marketdata.Tick{}, false
	}
	hist.mu.RLock()
	defer hist.mu.RUnlock()
	return hist.ticks.Latest()
}

// History returns up to n most recent ticks ordered oldest to newest.
func (c *TickCache) History(symbol string, n int) []marketdata.Tick {
	hist := c.lookup(symbol)
	if hist == nil || n <= 0 {
		return nil
	}
	hist.mu.RLock()
	defer hist.mu.RUnlock()
	return hist.ticks.Last(n)
}

// Len returns the number of ticks held for symbol.
func (c *TickCache) Len(symbol string) int {
	hist := c.lookup(symbol)
	if hist == nil {
		return 0
	}
	hist.mu.RLock()
	defer hist.mu.RUnlock()
	return hist.ticks.Len()
}

// Age returns the time since the newest tick's timestamp.
func (c *TickCache) Age(symbol string) (time.Duration, bool) {
	tick, ok := c.Latest(symbol)
	if !ok {
		return 0, false
	}
	return c.now().Sub(tick.Timestamp), true
}

// IsStale reports whether the newest tick is older than maxAge. Symbols with no
// ticks are stale.
func (c *TickCache) IsStale(symbol string, maxAge time.Duration) bool {
	age, ok := c.Age(symbol)
	return !ok || age > maxAge
}

// Symbols returns every symbol that has received at least one tick, sorted.
func (c *TickCache) Symbols() []string {
	var out []string
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym := range shard.items {
			out = append(out, sym)
		}
		shard.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// CacheStats summarizes cache occupancy.
type CacheStats struct {
	Symbols     int            `json:"symbols"`
	TotalTicks  int            `json:"total_ticks"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns occupancy per shard and the age of the stalest symbol.
func (c *TickCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.Symbols += len(shard.items)
		for _, hist := range shard.items {
			hist.mu.RLock()
			stats.TotalTicks += hist.ticks.Len()
			if latest, ok := hist.ticks.Latest(); ok {
				if oldest.IsZero() || latest.Timestamp.Before(oldest) {
					oldest = latest.Timestamp
				}
			}
			hist.mu.RUnlock()
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
