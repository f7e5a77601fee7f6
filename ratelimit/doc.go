// Package ratelimit enforces per-tool invocation rates across workers.
//
// Each tool declares rate_limit_per_min in its catalog entry. The registry
// configures one limit per tool and acquires a token before every call:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity("web_fetch", 30, time.Minute)
//
//	if err := limiter.Acquire(ctx, "web_fetch"); err != nil {
//	    return err // context ended before a token was free
//	}
//
// # Shared limits
//
// A SharedLimiter additionally coordinates over the message bus. When one
// worker sees an upstream throttle (HTTP 429, provider rate limit) it calls
// AnnounceReduced and every worker lowers its local limit for that tool,
// recovering gradually afterwards.
package ratelimit
