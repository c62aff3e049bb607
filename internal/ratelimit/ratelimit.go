package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

type keyedBucket struct {
	bucket   *TokenBucket
	lastUsed time.Time
}

// KeyedLimiter limits events globally and per key (for example a remote IP).
// A zero rate disables the corresponding limit.
type KeyedLimiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perKey    map[string]*keyedBucket
	keyRate   int
	burstSize int
	now       func() time.Time
}

// NewKeyedLimiter creates a limiter allowing globalRate events/s overall and
// keyRate events/s per key, each with burstSize headroom.
func NewKeyedLimiter(globalRate, keyRate, burstSize int) *KeyedLimiter {
	return newKeyedLimiter(globalRate, keyRate, burstSize, time.Now)
}

func newKeyedLimiter(globalRate, keyRate, burstSize int, now func() time.Time) *KeyedLimiter {
	kl := &KeyedLimiter{
		perKey:    make(map[string]*keyedBucket),
		keyRate:   keyRate,
		burstSize: burstSize,
		now:       now,
	}
	if globalRate > 0 {
		kl.global = newTokenBucket(globalRate, burstSize, now)
	}
	return kl
}

// Allow reports whether an event for key may proceed.
func (kl *KeyedLimiter) Allow(key string) bool {
	if kl.global != nil && !kl.global.Allow() {
		return false
	}
	if kl.keyRate <= 0 {
		return true
	}
	kl.mu.Lock()
	kb, ok := kl.perKey[key]
	if !ok {
		kb = &keyedBucket{bucket: newTokenBucket(kl.keyRate, kl.burstSize, kl.now)}
		kl.perKey[key] = kb
	}
	kb.lastUsed = kl.now()
	kl.mu.Unlock()
	return kb.bucket.Allow()
}

// Cleanup drops per-key buckets unused for longer than idle and returns how many were removed.
func (kl *KeyedLimiter) Cleanup(idle time.Duration) int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	cutoff := kl.now().Add(-idle)
	removed := 0
	for key, kb := range kl.perKey {
		if kb.lastUsed.Before(cutoff) {
			delete(kl.perKey, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.perKey)
}
