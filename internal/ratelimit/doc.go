// Package ratelimit throttles the HTTP surface.
//
// Two layers are provided:
//   - Failures counts failed credential attempts per email and per client IP
//     in Redis with fixed windows (INCR, then EXPIRE on the first hit), so the
//     budget is shared by every replica.
//   - PerClient is an in-process token bucket per client IP that smooths
//     bursts before requests reach the engine.
//
// Key prefixes: "<prefix>:rl:e:" for emails and "<prefix>:rl:i:" for IPs.
// Email keys hold a digest, never the address.
package ratelimit
