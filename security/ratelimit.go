package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier rate limiting using the token bucket
// algorithm, with LRU eviction to prevent unbounded memory growth. The
// identifier is typically a client IP or a user ID.
type RateLimiter struct {
	limiters map[string]*list.Element // identifier -> list element
	lruList  *list.List               // LRU list of *rateLimiterEntry
	mu       sync.Mutex

	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	cleanupInterval time.Duration
	staleAfter      time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// defaultMaxRateLimiterEntries caps the number of identifiers tracked
// simultaneously before LRU eviction kicks in.
const defaultMaxRateLimiterEntries = 10000

// NewRateLimiter creates a new rate limiter allowing requestsPerSecond with
// the given burst per identifier, with automatic cleanup and LRU eviction.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		limit:           rate.Limit(requestsPerSecond),
		burst:           burst,
		maxEntries:      defaultMaxRateLimiterEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		staleAfter:      10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks if a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		rl.lruList.MoveToFront(elem)
		return entry.limiter.Allow()
	}

	// Evict the least recently used entry when the table is full.
	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		if oldest := rl.lruList.Back(); oldest != nil {
			evicted := oldest.Value.(*rateLimiterEntry)
			rl.lruList.Remove(oldest)
			delete(rl.limiters, evicted.identifier)
		}
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup removes limiters that have been idle longer than staleAfter.
func (rl *RateLimiter) cleanup() {
	threshold := time.Now().Add(-rl.staleAfter)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if entry.lastAccess.After(threshold) {
			// The list is ordered by recency; everything further forward is newer.
			break
		}
		prev := elem.Prev()
		rl.lruList.Remove(elem)
		delete(rl.limiters, entry.identifier)
		elem = prev
		removed++
	}

	if removed > 0 {
		rl.logger.Debug("Cleaned up stale rate limiters", "removed", removed, "remaining", len(rl.limiters))
	}
}
