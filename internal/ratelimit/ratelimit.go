// Package ratelimit provides a per-caller daily counter for the
// anonymous preview path. Counters live in process memory, so the
// limit is per instance and resets on restart.
package ratelimit

import (
	"sync"
	"time"
)

type entry struct {
	date  string
	count int
}

type Daily struct {
	mu    sync.Mutex
	limit int
	now   func() time.Time
	seen  map[string]entry
}

// NewDaily builds a limiter allowing limit requests per key per UTC
// day. now defaults to time.Now.
func NewDaily(limit int, now func() time.Time) *Daily {
	if now == nil {
		now = time.Now
	}
	return &Daily{
		limit: limit,
		now:   now,
		seen:  make(map[string]entry),
	}
}

// Allow records one request for key and reports whether it is within
// today's limit. The count advances even for denied requests only up
// to the limit, so remaining never goes negative.
func (d *Daily) Allow(key string) (allowed bool, remaining int) {
	today := d.today()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.seen[key]
	if !ok || e.date != today {
		e = entry{date: today}
	}

	if e.count >= d.limit {
		d.seen[key] = e
		return false, 0
	}

	e.count++
	d.seen[key] = e
	return true, d.limit - e.count
}

// Remaining reports today's remaining allowance without consuming any.
func (d *Daily) Remaining(key string) int {
	today := d.today()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.seen[key]
	if !ok || e.date != today {
		return d.limit
	}
	if e.count >= d.limit {
		return 0
	}
	return d.limit - e.count
}

// Reset clears the counter for one key.
func (d *Daily) Reset(key string) {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// Sweep drops every entry from a previous day. Call it periodically to
// keep key cardinality bounded over the process lifetime.
func (d *Daily) Sweep() int {
	today := d.today()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, e := range d.seen {
		if e.date != today {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

func (d *Daily) today() string {
	return d.now().UTC().Format("2006-01-02")
}
