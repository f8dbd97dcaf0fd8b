package sched

import (
	"sync"
	"time"
)

// Rate measures events per second over a sliding window using two
// one-second buckets. Reading blends the previous bucket with the
// current one in proportion to how much of the current second has
// elapsed, which smooths the value without keeping history.
type Rate struct {
	mu   sync.Mutex
	tick int64 // unix second the current bucket covers
	cur  uint32
	prev uint32
}

// Add records n events at the current time.
func (r *Rate) Add(n uint32) {
	sec := time.Now().Unix()

	r.mu.Lock()
	r.roll(sec)
	r.cur += n
	r.mu.Unlock()
}

// PerSecond returns the smoothed events-per-second estimate.
func (r *Rate) PerSecond() uint32 {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll(now.Unix())

	remain := 1 - float64(now.Nanosecond())/float64(time.Second)

	return uint32(float64(r.prev)*remain) + r.cur
}

// roll shifts buckets when the clock has moved past the current second.
// Callers hold the mutex.
func (r *Rate) roll(sec int64) {
	switch {
	case sec == r.tick:
	case sec == r.tick+1:
		r.prev = r.cur
		r.cur = 0
		r.tick = sec
	default:
		r.prev = 0
		r.cur = 0
		r.tick = sec
	}
}
