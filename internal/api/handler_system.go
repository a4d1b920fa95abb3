package api

import (
	"net/http"
	"regexp"
	"time"

	"github.com/subrelay/subrelay/internal/identity"
	"github.com/subrelay/subrelay/internal/stats"
)

// HandleHealthz serves GET /healthz (public, no auth).
func HandleHealthz(startedAt time.Time, version string, pool *identity.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"service":  "subrelay",
			"version":  version,
			"uptime":   time.Since(startedAt).Round(time.Second).String(),
			"degraded": pool.Degraded(),
		})
	})
}

// StatsReader is the slice of the stats service the front door needs.
type StatsReader interface {
	Today() stats.DayRecord
	Day(date string) (stats.DayRecord, bool, error)
}

// HandleStatsToday serves GET /api/stats/today.
func HandleStatsToday(svc StatsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, svc.Today())
	})
}

var dateKeyRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// HandleStatsDay serves GET /api/stats/{date}.
func HandleStatsDay(svc StatsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		date := r.PathValue("date")
		if !dateKeyRe.MatchString(date) {
			WriteError(w, http.StatusBadRequest, "invalid-date", "date must be YYYY-MM-DD")
			return
		}
		rec, ok, err := svc.Day(date)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if !ok {
			WriteError(w, http.StatusNotFound, "not-found", "no statistics for "+date)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	})
}

// HandleListIdentities serves GET /api/identities.
func HandleListIdentities(pool *identity.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"identities": pool.Snapshots(),
			"degraded":   pool.Degraded(),
		})
	})
}

// HandleResetIdentity serves POST /api/identities/{id}/actions/reset.
func HandleResetIdentity(pool *identity.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := pool.Reset(id); err != nil {
			WriteError(w, http.StatusNotFound, "not-found", "unknown identity "+id)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

// HandleResetAllIdentities serves POST /api/identities/actions/reset-all.
func HandleResetAllIdentities(pool *identity.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pool.ResetAll()
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}
