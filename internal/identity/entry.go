// Package identity provides the egress identity pool: the set of outbound
// network paths (direct or proxied) used to reach the upstream, their health
// state machines, and rotate-on-block failover.
package identity

import (
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/subrelay/subrelay/internal/config"
)

// Health is the lifecycle state of one egress identity.
type Health int32

const (
	Healthy Health = iota
	Suspected
	ConfirmedBlocked
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Suspected:
		return "suspected"
	case ConfirmedBlocked:
		return "confirmed-blocked"
	default:
		return "unknown"
	}
}

// Entry represents one egress identity in the pool.
// Static fields are set at creation; dynamic fields use atomics so hot-path
// reads never take the pool lock. Full state transitions (read-check-mutate)
// are serialized by the owning Pool.
type Entry struct {
	// --- Static (immutable after creation) ---
	ID   string
	Name string
	Kind config.IdentityKind
	URL  string // empty for direct

	// --- Dynamic ---
	health            atomic.Int32
	consecutiveBlocks atomic.Int32
	lastUsed          atomic.Int64 // unix-nano; 0 = never
	blockedSince      atomic.Int64 // unix-nano; 0 = not blocked
}

func newEntry(decl config.IdentityDecl) *Entry {
	return &Entry{
		ID:   hashDecl(decl),
		Name: decl.Name,
		Kind: decl.Kind,
		URL:  decl.URL,
	}
}

// hashDecl derives a stable identity ID from the declaration's connection
// parameters. Two identities with identical kind+url+name hash identically.
func hashDecl(decl config.IdentityDecl) string {
	h := xxh3.HashString128(string(decl.Kind) + "|" + decl.URL + "|" + decl.Name)
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], h.Hi)
	binary.BigEndian.PutUint64(b[8:], h.Lo)
	return hex.EncodeToString(b[:])
}

// Health returns the current health state.
func (e *Entry) Health() Health {
	return Health(e.health.Load())
}

// ConsecutiveBlocks returns the current consecutive block-signal count.
func (e *Entry) ConsecutiveBlocks() int {
	return int(e.consecutiveBlocks.Load())
}

// MarkUsed records a dispatch through this identity.
func (e *Entry) MarkUsed(now time.Time) {
	e.lastUsed.Store(now.UnixNano())
}

// LastUsed returns the last dispatch time, or the zero time if never used.
func (e *Entry) LastUsed() time.Time {
	ns := e.lastUsed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// BlockedSince returns when the identity was confirmed blocked, or the zero
// time if it is not.
func (e *Entry) BlockedSince() time.Time {
	ns := e.blockedSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Snapshot is a point-in-time read of one entry for API exposure.
type Snapshot struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Kind              string    `json:"kind"`
	Health            string    `json:"health"`
	Current           bool      `json:"current"`
	ConsecutiveBlocks int       `json:"consecutive_blocks"`
	LastUsed          time.Time `json:"last_used"`
	BlockedSince      time.Time `json:"blocked_since"`
}

func (e *Entry) snapshot(current bool) Snapshot {
	return Snapshot{
		ID:                e.ID,
		Name:              e.Name,
		Kind:              string(e.Kind),
		Health:            e.Health().String(),
		Current:           current,
		ConsecutiveBlocks: e.ConsecutiveBlocks(),
		LastUsed:          e.LastUsed(),
		BlockedSince:      e.BlockedSince(),
	}
}
