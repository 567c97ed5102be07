package ratelimiter

import (
	"sync"
	"time"
)

// TokenBucket implements the RateLimiter interface using the token bucket algorithm.
// It allows for bursts of requests up to the bucket's capacity.
type TokenBucket struct {
	rate          float64 // tokens per second
	capacity      float64 // burst size
	tokens        float64
	lastTokenTime time.Time
	now           func() time.Time
	mutex         sync.Mutex
}

// NewTokenBucket creates a new TokenBucket that starts full.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate float64, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		rate:          rate,
		capacity:      float64(capacity),
		tokens:        float64(capacity),
		lastTokenTime: now(),
		now:           now,
	}
}

// Allow refills the bucket for the elapsed time and consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.lastTokenTime); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTokenTime = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// full reports whether the bucket has refilled completely; such buckets can be evicted.
func (tb *TokenBucket) full() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()
	return tb.tokens+tb.now().Sub(tb.lastTokenTime).Seconds()*tb.rate >= tb.capacity
}

// KeyedTokenBucket keeps one TokenBucket per key.
type KeyedTokenBucket struct {
	rate     float64
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewKeyedTokenBucket creates a limiter where every key gets its own bucket.
func NewKeyedTokenBucket(rate float64, capacity int) *KeyedTokenBucket {
	return &KeyedTokenBucket{rate: rate, capacity: capacity, now: time.Now, buckets: make(map[string]*TokenBucket)}
}

// AllowKey consumes a token from key's bucket.
func (k *KeyedTokenBucket) AllowKey(key string) bool {
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = newTokenBucket(k.rate, k.capacity, k.now)
		k.buckets[key] = b
	}
	k.mu.Unlock()
	return b.Allow()
}

// Prune drops buckets that have fully refilled and returns how many were removed.
func (k *KeyedTokenBucket) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, b := range k.buckets {
		if b.full() {
			delete(k.buckets, key)
			n++
		}
	}
	return n
}
