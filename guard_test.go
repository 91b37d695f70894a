package pagegen

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConcurrencyGuard(t *testing.T) {
	g := NewConcurrencyGuard()

	assert.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())
	g.Release()
	assert.True(t, g.TryAcquire())
	g.Release()
}

func TestConcurrencyGuard_OneWinner(t *testing.T) {
	g := NewConcurrencyGuard()
	var winners atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.TryAcquire() {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), winners.Load())
}
