package tuner

import (
	"sync/atomic"

	"stalker-proxy/work/metrics"
)

// Tuners is the process-wide count of running sessions. Every session, regardless of
// portal, holds one tuner for its whole lifetime.
type Tuners struct {
	inUse atomic.Int64
}

// Acquire takes a tuner if fewer than limit are in use. A limit of 0 or less means
// unlimited.
func (t *Tuners) Acquire(limit int) bool {
	for {
		cur := t.inUse.Load()
		if limit > 0 && cur >= int64(limit) {
			return false
		}
		if t.inUse.CompareAndSwap(cur, cur+1) {
			metrics.TunersInUse.Set(float64(cur + 1))
			return true
		}
	}
}

// Release returns a tuner. It never drops the count below zero.
func (t *Tuners) Release() {
	for {
		cur := t.inUse.Load()
		if cur <= 0 {
			return
		}
		if t.inUse.CompareAndSwap(cur, cur-1) {
			metrics.TunersInUse.Set(float64(cur - 1))
			return
		}
	}
}

// InUse returns the number of tuners currently taken.
func (t *Tuners) InUse() int {
	return int(t.inUse.Load())
}
