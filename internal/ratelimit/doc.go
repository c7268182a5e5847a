// Package ratelimit provides per-client rate limiting for the ops listener,
// with background eviction of idle entries and a cap on tracked clients.
//
// It is a single-process, in-memory limiter. It keeps a misbehaving scraper
// or a port scan from starving the governor of CPU; it is not a defense
// against distributed traffic.
package ratelimit
