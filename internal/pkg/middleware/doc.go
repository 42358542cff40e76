// Package middleware provides the HTTP middleware used by the retention
// daemon's operational endpoints.
//
// Available middleware:
//   - RateLimiter: per-client token bucket limiting
//   - Recover: turns handler panics into 500 responses
//   - Logging: logs each request with its status and duration
//   - RequestID: tags requests with an ID carried in the context
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer rl.Stop()
//	handler = middleware.Chain(mux, middleware.RequestID, middleware.Logging(log), rl.Middleware, middleware.Recover(log))
package middleware
