package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisMirrorTimeout = 5 * time.Second

// RedisMirror accumulates flush deltas into one Redis hash per day
// (subrelay:stats:<date>), so a fleet dashboard can read usage without
// touching the gateway's sqlite file. Day hashes expire after the retention
// period; retention/deletion of the sqlite rows stays an external concern.
type RedisMirror struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisMirror creates a mirror writing under the given key prefix.
// A zero retention keeps day hashes for 45 days.
func NewRedisMirror(rdb *redis.Client, prefix string, retention time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "subrelay:stats"
	}
	if retention <= 0 {
		retention = 45 * 24 * time.Hour
	}
	return &RedisMirror{rdb: rdb, prefix: prefix, retention: retention}
}

// ApplyDeltas increments the day hash by the flush deltas in one pipeline.
func (m *RedisMirror) ApplyDeltas(date string, deltas DayRecord) error {
	if m == nil || m.rdb == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisMirrorTimeout)
	defer cancel()

	key := fmt.Sprintf("%s:%s", m.prefix, date)

	pipe := m.rdb.Pipeline()
	if deltas.TotalRequests > 0 {
		pipe.HIncrBy(ctx, key, "total_requests", deltas.TotalRequests)
	}
	if deltas.Successes > 0 {
		pipe.HIncrBy(ctx, key, "successes", deltas.Successes)
	}
	if deltas.Failures > 0 {
		pipe.HIncrBy(ctx, key, "failures", deltas.Failures)
	}
	for lang, n := range deltas.Languages {
		pipe.HIncrBy(ctx, key, "lang:"+lang, n)
	}
	for kind, n := range deltas.Errors {
		pipe.HIncrBy(ctx, key, "err:"+kind, n)
	}
	pipe.Expire(ctx, key, m.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stats redis mirror %s: %w", date, err)
	}
	return nil
}
