package telemetry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounter_Basics(t *testing.T) {
	c := NewCounter()
	c.Observe(false)
	c.Observe(true)
	c.Observe(false)
	assert.Equal(t, int64(3), c.Processed())
	assert.Equal(t, int64(1), c.Dropped())

	p, d := c.SnapshotAndReset()
	assert.Equal(t, int64(3), p)
	assert.Equal(t, int64(1), d)
	assert.Zero(t, c.Processed())
	assert.Zero(t, c.Dropped())
}

func TestCounter_RestoreIgnoresNonPositive(t *testing.T) {
	c := NewCounter()
	c.Restore(0, -10)
	assert.Zero(t, c.Processed())
	assert.Zero(t, c.Dropped())

	c.Restore(4, 2)
	assert.Equal(t, int64(4), c.Processed())
	assert.Equal(t, int64(2), c.Dropped())
}

func TestCounter_NilObserveIsNoop(t *testing.T) {
	var c *Counter
	assert.NotPanics(t, func() { c.Observe(true) })
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewCounter()
	const goroutines = 20
	const perG = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				c.Observe(i%2 == 0)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(goroutines*perG), c.Processed())
	assert.Equal(t, int64(goroutines*perG/2), c.Dropped())
}
