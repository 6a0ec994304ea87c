// Package concurrency provides semaphore-based admission control for the
// render worker. A container accepts a bounded number of concurrent requests
// (the platform scales out beyond that), so the limiter is the in-process
// equivalent of the deployment's max-inputs setting.
package concurrency

import (
	"context"
	"sync/atomic"
)

// Limiter bounds the number of concurrently admitted operations.
type Limiter struct {
	sem    chan struct{}
	active int64
	peak   int64
}

// NewLimiter creates a limiter admitting at most maxConcurrent operations.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until a slot is free or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		current := atomic.AddInt64(&l.active, 1)
		l.updatePeak(current)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking. Returns false when saturated.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		current := atomic.AddInt64(&l.active, 1)
		l.updatePeak(current)
		return true
	default:
		return false
	}
}

// Release frees a slot acquired earlier.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
	default:
		// Release without a matching Acquire; ignore
	}
}

// Active returns the number of currently admitted operations.
func (l *Limiter) Active() int64 {
	return atomic.LoadInt64(&l.active)
}

// Peak returns the highest concurrent admission observed.
func (l *Limiter) Peak() int64 {
	return atomic.LoadInt64(&l.peak)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.peak)
		if current <= peak || atomic.CompareAndSwapInt64(&l.peak, peak, current) {
			return
		}
	}
}
