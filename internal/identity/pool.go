package identity

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/subrelay/subrelay/internal/config"
)

// ErrDegraded is returned by Current when no identity is healthy enough to
// dispatch through. The gateway maps it to a transient error for callers.
var ErrDegraded = errors.New("identity: all identities blocked")

// ErrNotFound is returned by Reset for an unknown identity ID.
var ErrNotFound = errors.New("identity: not found")

// BlockedEvent describes one healthy/suspected -> confirmed-blocked
// transition. Exactly one event is emitted per transition.
type BlockedEvent struct {
	Entry    Snapshot
	Reason   string
	Degraded bool // no healthy identity remains in the pool
	At       time.Time
}

// PoolConfig configures the identity Pool.
type PoolConfig struct {
	Decls []config.IdentityDecl
	// Threshold is the number of consecutive block signals that confirms a
	// block (K). Defaults to 2.
	Threshold int
	// OnBlocked is called synchronously under the pool lock on each
	// confirmed-block transition; handlers must stay lightweight and hand
	// off to their own goroutine for I/O.
	OnBlocked func(BlockedEvent)
}

// Pool owns all egress identities and the "current" pointer. Every state
// transition (block accounting, rotation, reset) runs under one mutex so a
// pair of concurrent block signals cannot double-rotate past the intended
// next identity.
type Pool struct {
	mu        sync.Mutex
	entries   []*Entry
	current   int
	threshold int
	onBlocked func(BlockedEvent)
}

// NewPool builds a pool from identity declarations, preserving declaration
// order for round-robin rotation. The first declared identity is current.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Decls) == 0 {
		return nil, fmt.Errorf("identity: pool requires at least one identity")
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 2
	}
	p := &Pool{
		entries:   make([]*Entry, 0, len(cfg.Decls)),
		threshold: threshold,
		onBlocked: cfg.OnBlocked,
	}
	for _, d := range cfg.Decls {
		p.entries = append(p.entries, newEntry(d))
	}
	return p, nil
}

// Current returns the identity new dispatches should use.
// Returns ErrDegraded when every identity is confirmed-blocked.
func (p *Pool) Current() (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entries[p.current]
	if e.Health() != ConfirmedBlocked {
		return e, nil
	}
	// Current was blocked by an earlier transition that found no healthy
	// successor. A manual reset may have healed another entry since.
	if idx, ok := p.nextHealthyLocked(p.current); ok {
		p.current = idx
		return p.entries[idx], nil
	}
	return nil, ErrDegraded
}

// ReportBlock records one block signal against e. The first signal moves a
// healthy identity to suspected; the Kth consecutive signal confirms the
// block, rotates current to the next healthy identity, and emits exactly one
// BlockedEvent.
func (p *Pool) ReportBlock(e *Entry, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := e.consecutiveBlocks.Add(1)
	switch Health(e.health.Load()) {
	case ConfirmedBlocked:
		// Late signal from an attempt that raced the transition. Counted,
		// nothing more to do; the alert already fired.
		return
	case Healthy:
		e.health.Store(int32(Suspected))
	}

	if int(count) < p.threshold {
		return
	}

	e.health.Store(int32(ConfirmedBlocked))
	e.blockedSince.Store(time.Now().UnixNano())

	if p.entries[p.current] == e {
		if idx, ok := p.nextHealthyLocked(p.current); ok {
			p.current = idx
		}
	}
	degraded := p.degradedLocked()

	log.Printf("[identity] %s confirmed blocked after %d signals (reason: %s), degraded=%v",
		e.Name, count, reason, degraded)

	if p.onBlocked != nil {
		p.onBlocked(BlockedEvent{
			Entry:    e.snapshot(false),
			Reason:   reason,
			Degraded: degraded,
			At:       time.Now(),
		})
	}
}

// ReportSuccess records a successful outcome on e, resetting its consecutive
// block count. A suspected identity recovers to healthy; a confirmed block
// only clears via Reset.
func (p *Pool) ReportSuccess(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.consecutiveBlocks.Store(0)
	if Health(e.health.Load()) == Suspected {
		e.health.Store(int32(Healthy))
	}
}

// Reset returns the identity with the given ID to healthy.
func (p *Pool) Reset(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.ID == id {
			p.resetLocked(e)
			return nil
		}
	}
	return ErrNotFound
}

// ResetAll returns every identity to healthy. Used by the scheduled
// time-based recovery pass.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		p.resetLocked(e)
	}
}

func (p *Pool) resetLocked(e *Entry) {
	if Health(e.health.Load()) != Healthy {
		log.Printf("[identity] %s reset to healthy", e.Name)
	}
	e.health.Store(int32(Healthy))
	e.consecutiveBlocks.Store(0)
	e.blockedSince.Store(0)
}

// Degraded reports whether no identity is available for dispatch.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.degradedLocked()
}

func (p *Pool) degradedLocked() bool {
	for _, e := range p.entries {
		if e.Health() != ConfirmedBlocked {
			return false
		}
	}
	return true
}

// Snapshots returns a point-in-time view of all identities in declaration
// order.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, 0, len(p.entries))
	for i, e := range p.entries {
		out = append(out, e.snapshot(i == p.current))
	}
	return out
}

// Size returns the number of identities in the pool.
func (p *Pool) Size() int {
	return len(p.entries)
}

// nextHealthyLocked finds the next non-blocked entry after from in
// round-robin order. Suspected identities remain eligible; only confirmed
// blocks are skipped.
func (p *Pool) nextHealthyLocked(from int) (int, bool) {
	n := len(p.entries)
	for i := 1; i <= n; i++ {
		idx := (from + i) % n
		if p.entries[idx].Health() != ConfirmedBlocked {
			return idx, true
		}
	}
	return 0, false
}
