package pagegen

import "golang.org/x/sync/semaphore"

// ConcurrencyGuard is a single-slot try-acquire latch.
type ConcurrencyGuard struct {
	sem *semaphore.Weighted
}

// NewConcurrencyGuard returns an unheld latch.
func NewConcurrencyGuard() *ConcurrencyGuard {
	return &ConcurrencyGuard{sem: semaphore.NewWeighted(1)}
}

// TryAcquire takes the latch without blocking. It returns false if the latch
// is already held.
func (g *ConcurrencyGuard) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release frees the latch. It must be called exactly once per successful TryAcquire.
func (g *ConcurrencyGuard) Release() {
	g.sem.Release(1)
}

