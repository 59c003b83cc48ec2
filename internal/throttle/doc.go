// Package throttle provides the dual-scope token bucket used to pace
// outbound deliveries, plus the jittered exponential backoff used between
// retries.
//
// Every acquire names the scopes it must draw from, typically
// GlobalScope plus the recipient ID. A token is taken from all of them or
// from none, so a recipient that is still cooling down never consumes
// global capacity.
//
// Buckets are built on golang.org/x/time/rate and are evaluated against an
// injectable clock so tests can run in simulated time.
package throttle
