package rate

import (
	"context"
	"sync"
	"time"
)

type MemoryLimiter struct {
	mu           sync.Mutex
	entries      map[string]*entry
	lastCleanup  time.Time
	cleanupEvery time.Duration
}

type entry struct {
	count int
	reset time.Time
}

func NewMemory(cleanupEvery time.Duration) *MemoryLimiter {
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	return &MemoryLimiter{
		entries:      map[string]*entry{},
		lastCleanup:  time.Now(),
		cleanupEvery: cleanupEvery,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, policy Policy, now time.Time) (bool, time.Duration, error) {
	if policy.Limit <= 0 {
		return true, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= l.cleanupEvery {
		for k, v := range l.entries {
			if now.After(v.reset) {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	e, ok := l.entries[key]
	if !ok || now.After(e.reset) {
		l.entries[key] = &entry{count: 1, reset: now.Add(policy.Window)}
		return true, 0, nil
	}

	if e.count >= policy.Limit {
		retryAfter := e.reset.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}

	e.count++
	return true, 0, nil
}
