package resolver

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"tickgofer/internal/clock"
	"tickgofer/internal/livedata"
)

// cacheEntry is a resolved specification with expiration
type cacheEntry struct {
	spec      livedata.ItemSpecification
	expiresAt time.Time
}

// specCache is an in-memory LRU of resolved specifications with TTL support
type specCache struct {
	cache *lru.Cache[string, *cacheEntry]
	ttl   time.Duration
	clock clock.Clock
	mu    sync.RWMutex

	stop chan struct{}
	wg   sync.WaitGroup
}

func newSpecCache(size int, ttl time.Duration, clk clock.Clock) (*specCache, error) {
	cache, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, err
	}

	sc := &specCache{
		cache: cache,
		ttl:   ttl,
		clock: clk,
		stop:  make(chan struct{}),
	}

	sc.wg.Add(1)
	go sc.cleanupLoop()

	return sc, nil
}

func (sc *specCache) get(key string) (livedata.ItemSpecification, bool) {
	sc.mu.RLock()
	entry, ok := sc.cache.Get(key)
	sc.mu.RUnlock()

	if !ok {
		return livedata.ItemSpecification{}, false
	}

	if sc.clock.Now().After(entry.expiresAt) {
		sc.mu.Lock()
		sc.cache.Remove(key)
		sc.mu.Unlock()
		return livedata.ItemSpecification{}, false
	}

	return entry.spec, true
}

func (sc *specCache) set(key string, spec livedata.ItemSpecification) {
	entry := &cacheEntry{
		spec:      spec,
		expiresAt: sc.clock.Now().Add(sc.ttl),
	}

	sc.mu.Lock()
	sc.cache.Add(key, entry)
	sc.mu.Unlock()
}

func (sc *specCache) len() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cache.Len()
}

func (sc *specCache) close() {
	close(sc.stop)
	sc.wg.Wait()
}

// cleanupLoop periodically removes expired entries
func (sc *specCache) cleanupLoop() {
	defer sc.wg.Done()

	ticker := sc.clock.NewTicker(sc.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-sc.stop:
			return
		case <-ticker.C():
			sc.removeExpired()
		}
	}
}

func (sc *specCache) removeExpired() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := sc.clock.Now()
	for _, key := range sc.cache.Keys() {
		entry, ok := sc.cache.Peek(key)
		if ok && now.After(entry.expiresAt) {
			sc.cache.Remove(key)
		}
	}
}
