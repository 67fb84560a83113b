// Package telemetry accumulates remediation usage counts for the ban list and
// pushes them to the CrowdSec Local API.
package telemetry

import "sync/atomic"

// Counter tracks the usage counts of the current push window. processed is
// every write checked against the ban list; dropped is the subset refused.
type Counter struct {
	processed atomic.Int64
	dropped   atomic.Int64
}

// NewCounter allocates a fresh counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Observe records one checked request. A nil Counter ignores it.
func (c *Counter) Observe(banned bool) {
	if c == nil {
		return
	}
	c.processed.Add(1)
	if banned {
		c.dropped.Add(1)
	}
}

// Restore adds counts back after a failed push. Non-positive values are
// ignored.
func (c *Counter) Restore(processed, dropped int64) {
	if processed > 0 {
		c.processed.Add(processed)
	}
	if dropped > 0 {
		c.dropped.Add(dropped)
	}
}

// SnapshotAndReset atomically returns both counts and zeroes them.
func (c *Counter) SnapshotAndReset() (processed, dropped int64) {
	return c.processed.Swap(0), c.dropped.Swap(0)
}

// Processed returns the current processed count.
func (c *Counter) Processed() int64 { return c.processed.Load() }

// Dropped returns the current dropped count.
func (c *Counter) Dropped() int64 { return c.dropped.Load() }
