package ratelimiter

// RateLimiter is the interface for rate limiting.
type RateLimiter interface {
	// Allow returns true if the request is allowed, otherwise returns false.
	Allow() bool
}

// KeyedRateLimiter limits each caller independently, e.g. per emitter id.
type KeyedRateLimiter interface {
	AllowKey(key string) bool
}
