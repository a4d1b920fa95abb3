package stats

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/subrelay/subrelay/internal/state"
)

// Repo handles persistence of daily stat records to stats.db.
// Flushed rows are cumulative snapshots, so a crash loses at most the deltas
// accumulated since the previous flush.
type Repo struct {
	db *sql.DB
}

// NewRepo opens (or creates) stats.db at the given path and applies schema
// migrations.
func NewRepo(path string) (*Repo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("stats repo mkdir: %w", err)
	}
	db, err := state.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("stats repo open: %w", err)
	}
	if err := state.MigrateStatsDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("stats repo migrate: %w", err)
	}
	return &Repo{db: db}, nil
}

// Close closes the database.
func (r *Repo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// UpsertDays writes cumulative day snapshots in one transaction.
func (r *Repo) UpsertDays(recs []DayRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("stats repo begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixNano()
	for _, rec := range recs {
		langJSON, err := json.Marshal(rec.Languages)
		if err != nil {
			return fmt.Errorf("stats repo marshal languages %s: %w", rec.Date, err)
		}
		errJSON, err := json.Marshal(rec.Errors)
		if err != nil {
			return fmt.Errorf("stats repo marshal errors %s: %w", rec.Date, err)
		}
		_, err = tx.Exec(`INSERT INTO daily_stats
			(date_key, total_requests, successes, failures, languages_json, errors_json, updated_at_ns)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(date_key) DO UPDATE SET
				total_requests = excluded.total_requests,
				successes      = excluded.successes,
				failures       = excluded.failures,
				languages_json = excluded.languages_json,
				errors_json    = excluded.errors_json,
				updated_at_ns  = excluded.updated_at_ns`,
			rec.Date, rec.TotalRequests, rec.Successes, rec.Failures,
			string(langJSON), string(errJSON), now)
		if err != nil {
			return fmt.Errorf("stats repo upsert %s: %w", rec.Date, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stats repo commit: %w", err)
	}
	return nil
}

// GetDay loads one day's persisted record. Returns ok=false when the date
// has no row.
func (r *Repo) GetDay(date string) (DayRecord, bool, error) {
	row := r.db.QueryRow(`SELECT total_requests, successes, failures, languages_json, errors_json
		FROM daily_stats WHERE date_key = ?`, date)

	rec := DayRecord{Date: date}
	var langJSON, errJSON string
	err := row.Scan(&rec.TotalRequests, &rec.Successes, &rec.Failures, &langJSON, &errJSON)
	if err == sql.ErrNoRows {
		return DayRecord{}, false, nil
	}
	if err != nil {
		return DayRecord{}, false, fmt.Errorf("stats repo get %s: %w", date, err)
	}
	if err := json.Unmarshal([]byte(langJSON), &rec.Languages); err != nil {
		return DayRecord{}, false, fmt.Errorf("stats repo parse languages %s: %w", date, err)
	}
	if err := json.Unmarshal([]byte(errJSON), &rec.Errors); err != nil {
		return DayRecord{}, false, fmt.Errorf("stats repo parse errors %s: %w", date, err)
	}
	if rec.Languages == nil {
		rec.Languages = map[string]int64{}
	}
	if rec.Errors == nil {
		rec.Errors = map[string]int64{}
	}
	return rec, true, nil
}

// LoadAll returns every persisted day record, ordered by date.
func (r *Repo) LoadAll() ([]DayRecord, error) {
	rows, err := r.db.Query(`SELECT date_key, total_requests, successes, failures, languages_json, errors_json
		FROM daily_stats ORDER BY date_key`)
	if err != nil {
		return nil, fmt.Errorf("stats repo load all: %w", err)
	}
	defer rows.Close()

	var out []DayRecord
	for rows.Next() {
		var rec DayRecord
		var langJSON, errJSON string
		if err := rows.Scan(&rec.Date, &rec.TotalRequests, &rec.Successes, &rec.Failures, &langJSON, &errJSON); err != nil {
			return nil, fmt.Errorf("stats repo scan: %w", err)
		}
		if err := json.Unmarshal([]byte(langJSON), &rec.Languages); err != nil {
			return nil, fmt.Errorf("stats repo parse languages %s: %w", rec.Date, err)
		}
		if err := json.Unmarshal([]byte(errJSON), &rec.Errors); err != nil {
			return nil, fmt.Errorf("stats repo parse errors %s: %w", rec.Date, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
