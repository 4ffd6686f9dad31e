package sensors

import (
	"sync"
	"time"
)

// rateTracker turns cumulative counters into per-second rates using the
// previous sample of the same collector instance.
type rateTracker struct {
	mu   sync.Mutex
	prev map[string]uint64
	at   time.Time
}

// update records counters taken at now and returns the per-second rate of
// each since the previous call. The first call, and any counter that went
// backwards, yields zero.
func (r *rateTracker) update(now time.Time, counters map[string]uint64) map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	rates := make(map[string]float64, len(counters))
	elapsed := now.Sub(r.at).Seconds()

	for name, cur := range counters {
		prev, ok := r.prev[name]
		if !ok || r.prev == nil || elapsed <= 0 || cur < prev {
			rates[name] = 0
			continue
		}
		rates[name] = float64(cur-prev) / elapsed
	}

	r.prev = counters
	r.at = now
	return rates
}
