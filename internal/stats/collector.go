// Package stats aggregates per-day request outcome counters. Increments are
// lock-free and never touch durable I/O; a background flush worker
// reconciles in-memory counters to stats.db (and an optional Redis mirror).
package stats

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// DateKey formats t as the canonical day key (UTC).
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DayRecord is a point-in-time snapshot of one day's counters.
type DayRecord struct {
	Date          string           `json:"date"`
	TotalRequests int64            `json:"total_requests"`
	Successes     int64            `json:"successes"`
	Failures      int64            `json:"failures"`
	Languages     map[string]int64 `json:"languages"`
	Errors        map[string]int64 `json:"errors"`
}

type dayCounters struct {
	total     atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	languages *xsync.Map[string, *atomic.Int64]
	errors    *xsync.Map[string, *atomic.Int64]
}

func newDayCounters() *dayCounters {
	return &dayCounters{
		languages: xsync.NewMap[string, *atomic.Int64](),
		errors:    xsync.NewMap[string, *atomic.Int64](),
	}
}

func (d *dayCounters) snapshot(date string) DayRecord {
	rec := DayRecord{
		Date:          date,
		TotalRequests: d.total.Load(),
		Successes:     d.successes.Load(),
		Failures:      d.failures.Load(),
		Languages:     make(map[string]int64),
		Errors:        make(map[string]int64),
	}
	d.languages.Range(func(k string, c *atomic.Int64) bool {
		rec.Languages[k] = c.Load()
		return true
	})
	d.errors.Range(func(k string, c *atomic.Int64) bool {
		rec.Errors[k] = c.Load()
		return true
	})
	return rec
}

// Collector holds the hot-path counters, keyed by day. Day records are
// created lazily on the first event of a new date and are only ever
// incremented.
type Collector struct {
	days *xsync.Map[string, *dayCounters]
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{days: xsync.NewMap[string, *dayCounters]()}
}

func (c *Collector) day(date string) *dayCounters {
	d, _ := c.days.LoadOrCompute(date, func() (*dayCounters, bool) {
		return newDayCounters(), false
	})
	return d
}

// RecordSuccess counts one completed request that served the given language.
func (c *Collector) RecordSuccess(date, lang string) {
	d := c.day(date)
	d.total.Add(1)
	d.successes.Add(1)
	if lang != "" {
		counter, _ := d.languages.LoadOrCompute(lang, func() (*atomic.Int64, bool) {
			return new(atomic.Int64), false
		})
		counter.Add(1)
	}
}

// RecordFailure counts one completed request that terminated with the given
// error kind.
func (c *Collector) RecordFailure(date, errorKind string) {
	d := c.day(date)
	d.total.Add(1)
	d.failures.Add(1)
	if errorKind != "" {
		counter, _ := d.errors.LoadOrCompute(errorKind, func() (*atomic.Int64, bool) {
			return new(atomic.Int64), false
		})
		counter.Add(1)
	}
}

// seed primes one day's counters from a persisted record. Called once at
// startup before traffic, so plain stores suffice.
func (c *Collector) seed(rec DayRecord) {
	d := c.day(rec.Date)
	d.total.Store(rec.TotalRequests)
	d.successes.Store(rec.Successes)
	d.failures.Store(rec.Failures)
	for k, v := range rec.Languages {
		counter, _ := d.languages.LoadOrCompute(k, func() (*atomic.Int64, bool) {
			return new(atomic.Int64), false
		})
		counter.Store(v)
	}
	for k, v := range rec.Errors {
		counter, _ := d.errors.LoadOrCompute(k, func() (*atomic.Int64, bool) {
			return new(atomic.Int64), false
		})
		counter.Store(v)
	}
}

// Snapshot returns the current counters for date, and whether the date has
// any in-memory record.
func (c *Collector) Snapshot(date string) (DayRecord, bool) {
	d, ok := c.days.Load(date)
	if !ok {
		return DayRecord{}, false
	}
	return d.snapshot(date), true
}

// SnapshotAll returns snapshots of every in-memory day, sorted by date.
func (c *Collector) SnapshotAll() []DayRecord {
	var out []DayRecord
	c.days.Range(func(date string, d *dayCounters) bool {
		out = append(out, d.snapshot(date))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
