// Package batch owns batch identifiers and the pipeline's operational clock.
//
// A batch ID is the wall-clock time of the extraction run in UTC+8, formatted
// as YYYYMMDD_HHMMSS. The format is chosen so that lexicographic order on the
// ID string equals temporal order, which is what the latest-batch-per-date
// reducer in the query layer relies on.
package batch

import (
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
)

// Location is the pipeline's operational time zone. Batch IDs, "today" and
// "yesterday" are all computed here, regardless of the host zone.
var Location = time.FixedZone("UTC+8", 8*60*60)

const idLayout = "20060102_150405"

// ID names one extraction run. Ordered lexicographically == temporally.
type ID string

// NewID allocates a batch ID for the given instant.
func NewID(now time.Time) ID {
	return ID(now.In(Location).Format(idLayout))
}

// Time parses the ID back into its UTC+8 wall-clock instant.
func (id ID) Time() (time.Time, error) {
	t, err := time.ParseInLocation(idLayout, string(id), Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed batch id %q: %w", id, err)
	}
	return t, nil
}

func (id ID) String() string { return string(id) }

// Today returns the current calendar date in UTC+8.
func Today(now time.Time) civil.Date {
	return civil.DateOf(now.In(Location))
}

// Yesterday returns the T-1 calendar date in UTC+8.
func Yesterday(now time.Time) civil.Date {
	return Today(now).AddDays(-1)
}

// Allocator hands out strictly increasing batch IDs. Two ingest ticks inside
// the same wall-clock second would otherwise collide, so the allocator bumps
// the clock forward by one second until the ID advances.
type Allocator struct {
	mu   sync.Mutex
	now  func() time.Time
	last ID
}

// NewAllocator builds an Allocator. A nil clock uses time.Now.
func NewAllocator(clock func() time.Time) *Allocator {
	if clock == nil {
		clock = time.Now
	}
	return &Allocator{now: clock}
}

// Next allocates the next batch ID. Never reuses or goes backward.
func (a *Allocator) Next() ID {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := a.now().In(Location)
	id := NewID(t)
	for id <= a.last && a.last != "" {
		t = t.Add(time.Second)
		id = NewID(t)
	}
	a.last = id
	return id
}
