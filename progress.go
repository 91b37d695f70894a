package pagegen

import (
	"sync"
	"time"
)

// ProgressFunc receives a progress estimate in [0,100].
type ProgressFunc func(percent int)

const (
	// progressCeiling is never exceeded before a confirmed success.
	progressCeiling = 95.0

	// progressRate is the share of the remaining distance covered per tick.
	progressRate = 0.15
)

// progressEstimator emits a non-decreasing estimate that advances quickly at
// first and slows as it approaches progressCeiling. finish pins it to 100 on
// success or resets it to 0 on failure.
type progressEstimator struct {
	report ProgressFunc

	mu    sync.Mutex
	value float64
	last  int
	ended bool

	stop chan struct{}
	done chan struct{}
}

func startProgress(report ProgressFunc, interval time.Duration) *progressEstimator {
	p := &progressEstimator{report: report, last: -1}
	if report == nil {
		return p
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.emit(0)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.advance()
			}
		}
	}()
	return p
}

func (p *progressEstimator) advance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.value += (progressCeiling - p.value) * progressRate
	if v := int(p.value); v > p.last {
		p.last = v
		p.report(v)
	}
}

func (p *progressEstimator) emit(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = v
	p.report(v)
}

// finish stops the ticker and reports the final value. It is safe to call
// more than once; only the first call reports.
func (p *progressEstimator) finish(success bool) {
	if p.report == nil {
		return
	}
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	if success {
		p.last = 100
		p.report(100)
		return
	}
	p.value = 0
	p.last = 0
	p.report(0)
}
