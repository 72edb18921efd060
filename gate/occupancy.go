/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gate

import "sync"

// occupancyCounter serializes mutations of the queue-depth counter.
// Its lock is independent of the slots channel and is held only for the
// duration of a single increment, decrement or read.
type occupancyCounter struct {
	mu  sync.Mutex
	val int
}

func (c *occupancyCounter) inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val++
	return c.val
}

func (c *occupancyCounter) dec() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val--
	return c.val
}

func (c *occupancyCounter) current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}
