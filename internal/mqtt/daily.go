package mqtt

import (
	"sync"
	"time"
)

// DailyCounter counts named events and starts over at local midnight.
// It is safe for concurrent use.
type DailyCounter struct {
	mu       sync.Mutex
	counts   map[string]int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounter creates a counter that resets at midnight in loc, or
// in [time.Local] when loc is nil.
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounter{
		counts: make(map[string]int64),
		loc:    loc,
		now:    time.Now,
	}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Add records one occurrence of key.
func (d *DailyCounter) Add(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.counts[key]++
}

// Get returns today's count for key.
func (d *DailyCounter) Get(key string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.counts[key]
}

// Sum returns today's total across keys.
func (d *DailyCounter) Sum(keys ...string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	var n int64
	for _, k := range keys {
		n += d.counts[k]
	}
	return n
}

// maybeReset must be called with d.mu held.
func (d *DailyCounter) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		clear(d.counts)
		d.resetDay = today
	}
}
