package stats

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Mirror receives flush deltas for an external accumulation store.
// Implementations must tolerate being called from the flush goroutine only.
type Mirror interface {
	ApplyDeltas(date string, deltas DayRecord) error
}

// ServiceConfig configures the stats Service.
type ServiceConfig struct {
	Repo *Repo
	// Mirror is optional (e.g. Redis); nil disables mirroring.
	Mirror Mirror
	// FlushInterval is the maximum age of unflushed counters.
	FlushInterval time.Duration
	// CheckTick controls how often flush conditions are evaluated.
	CheckTick time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Service is the statistics aggregator: lock-free increments on the hot
// path, one background goroutine owning all durable I/O.
type Service struct {
	collector *Collector
	repo      *Repo
	mirror    Mirror
	interval  time.Duration
	checkTick time.Duration
	now       func() time.Time

	dirty atomic.Bool

	// lastFlushed remembers the previous snapshot per date so mirror
	// deltas can be computed. Touched only by the flush goroutine (and
	// Stop after the goroutine exits).
	lastFlushed map[string]DayRecord

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a stats Service.
func NewService(cfg ServiceConfig) *Service {
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	tick := cfg.CheckTick
	if tick <= 0 {
		tick = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		collector:   NewCollector(),
		repo:        cfg.Repo,
		mirror:      cfg.Mirror,
		interval:    interval,
		checkTick:   tick,
		now:         now,
		lastFlushed: make(map[string]DayRecord),
		stopCh:      make(chan struct{}),
	}
}

// Start seeds today's counters from the durable store, then launches the
// background flush goroutine. Seeding makes a same-day restart additive:
// without it the first flush would overwrite the persisted day totals with
// the fresh process's small counts.
func (s *Service) Start() {
	s.seedToday()
	s.wg.Add(1)
	go s.flushLoop()
}

func (s *Service) seedToday() {
	if s.repo == nil {
		return
	}
	date := DateKey(s.now())
	rec, ok, err := s.repo.GetDay(date)
	if err != nil {
		log.Printf("[stats] seed %s failed: %v", date, err)
		return
	}
	if !ok {
		return
	}
	s.collector.seed(rec)
	// The seeded values are already durable and mirrored; only increments
	// past them become deltas.
	s.lastFlushed[date] = rec
	log.Printf("[stats] seeded %s from store: %d requests", date, rec.TotalRequests)
}

// Stop signals the flush loop to stop and performs a final flush.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// RecordSuccess counts one completed request served in lang. Never blocks on
// durable I/O.
func (s *Service) RecordSuccess(at time.Time, lang string) {
	s.collector.RecordSuccess(DateKey(at), lang)
	s.dirty.Store(true)
}

// RecordFailure counts one completed request that terminated with errorKind.
func (s *Service) RecordFailure(at time.Time, errorKind string) {
	s.collector.RecordFailure(DateKey(at), errorKind)
	s.dirty.Store(true)
}

// Day returns the record for date, preferring live in-memory counters and
// falling back to the durable store for past days.
func (s *Service) Day(date string) (DayRecord, bool, error) {
	if rec, ok := s.collector.Snapshot(date); ok {
		return rec, true, nil
	}
	if s.repo == nil {
		return DayRecord{}, false, nil
	}
	return s.repo.GetDay(date)
}

// Today returns today's record (zero-valued when no event happened yet).
func (s *Service) Today() DayRecord {
	date := DateKey(s.now())
	if rec, ok := s.collector.Snapshot(date); ok {
		return rec
	}
	return DayRecord{Date: date, Languages: map[string]int64{}, Errors: map[string]int64{}}
}

func (s *Service) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkTick)
	defer ticker.Stop()

	lastFlush := s.now()

	for {
		select {
		case <-s.stopCh:
			s.doFlush()
			return
		case <-ticker.C:
			if !s.dirty.Load() {
				continue
			}
			if time.Since(lastFlush) >= s.interval {
				s.doFlush()
				lastFlush = s.now()
			}
		}
	}
}

func (s *Service) doFlush() {
	if !s.dirty.Swap(false) {
		return
	}

	recs := s.collector.SnapshotAll()
	if len(recs) == 0 {
		return
	}

	if s.repo != nil {
		if err := s.repo.UpsertDays(recs); err != nil {
			log.Printf("[stats] flush %d days failed: %v", len(recs), err)
			s.dirty.Store(true)
			return
		}
	}

	for _, rec := range recs {
		if s.mirror != nil {
			deltas := diffRecords(s.lastFlushed[rec.Date], rec)
			if !recordIsZero(deltas) {
				if err := s.mirror.ApplyDeltas(rec.Date, deltas); err != nil {
					log.Printf("[stats] mirror %s failed: %v", rec.Date, err)
					// Keep lastFlushed where it was so these deltas ride
					// along with the next flush instead of being dropped.
					s.dirty.Store(true)
					continue
				}
			}
		}
		s.lastFlushed[rec.Date] = rec
	}
}

// diffRecords computes cur minus prev field-wise. Counters are additive only,
// so every delta is non-negative.
func diffRecords(prev, cur DayRecord) DayRecord {
	d := DayRecord{
		Date:          cur.Date,
		TotalRequests: cur.TotalRequests - prev.TotalRequests,
		Successes:     cur.Successes - prev.Successes,
		Failures:      cur.Failures - prev.Failures,
		Languages:     make(map[string]int64),
		Errors:        make(map[string]int64),
	}
	for k, v := range cur.Languages {
		if delta := v - prev.Languages[k]; delta > 0 {
			d.Languages[k] = delta
		}
	}
	for k, v := range cur.Errors {
		if delta := v - prev.Errors[k]; delta > 0 {
			d.Errors[k] = delta
		}
	}
	return d
}

func recordIsZero(rec DayRecord) bool {
	return rec.TotalRequests == 0 && rec.Successes == 0 && rec.Failures == 0 &&
		len(rec.Languages) == 0 && len(rec.Errors) == 0
}
