/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package gate provides an admission-control primitive that caps the number of
// callers concurrently using a shared downstream resource (for example, a locally
// hosted inference engine with a fixed safe concurrency ceiling).
//
// A Gate admits at most Capacity concurrent holders. Additional callers wait for
// a free slot up to a caller-supplied timeout and are rejected if it elapses.
// The gate also tracks occupancy: the number of callers that are waiting for or
// holding a slot. Occupancy is a queue-depth metric, not a bound on concurrent
// resource use; it may transiently exceed the capacity while callers wait. The
// capacity bound itself is enforced by the internal slots channel.
//
// The recommended way to use a Gate is the Do method, which guarantees that the
// admission slot is released on every exit path of the protected operation.
package gate
