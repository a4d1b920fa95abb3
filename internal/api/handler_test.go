package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/subrelay/subrelay/internal/config"
	"github.com/subrelay/subrelay/internal/gateway"
	"github.com/subrelay/subrelay/internal/identity"
	"github.com/subrelay/subrelay/internal/language"
	"github.com/subrelay/subrelay/internal/stats"
	"github.com/subrelay/subrelay/internal/upstream"
)

type fakeFetcher struct {
	result gateway.Result
	langs  gateway.Languages
	err    error
}

func (f *fakeFetcher) FetchSubtitles(_ context.Context, videoID, lang string) (gateway.Result, error) {
	if f.err != nil {
		return gateway.Result{}, f.err
	}
	res := f.result
	res.VideoID = videoID
	res.RequestedLanguage = lang
	return res, nil
}

func (f *fakeFetcher) ListLanguages(_ context.Context, videoID string) (gateway.Languages, error) {
	if f.err != nil {
		return gateway.Languages{}, f.err
	}
	langs := f.langs
	langs.VideoID = videoID
	return langs, nil
}

type fakeStats struct {
	today stats.DayRecord
	days  map[string]stats.DayRecord
}

func (f *fakeStats) Today() stats.DayRecord { return f.today }

func (f *fakeStats) Day(date string) (stats.DayRecord, bool, error) {
	rec, ok := f.days[date]
	return rec, ok, nil
}

func newTestServer(t *testing.T, fetcher SubtitleFetcher, adminToken string) (*Server, *identity.Pool) {
	t.Helper()
	pool, err := identity.NewPool(identity.PoolConfig{
		Decls: []config.IdentityDecl{
			{Name: "proxy-1", Kind: config.IdentityHTTP, URL: "http://proxy:8080"},
			{Name: "direct", Kind: config.IdentityDirect},
		},
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	srv := NewServer(ServerConfig{
		AdminToken:      adminToken,
		APIMaxBodyBytes: 1 << 16,
		StartedAt:       time.Now(),
		Version:         "test",
		Gateway:         fetcher,
		Pool:            pool,
		Stats: &fakeStats{
			today: stats.DayRecord{Date: "2026-08-29", TotalRequests: 3},
			days: map[string]stats.DayRecord{
				"2026-08-28": {Date: "2026-08-28", TotalRequests: 7},
			},
		},
	})
	return srv, pool
}

func doRequest(t *testing.T, srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	} else {
		rdr = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestFetchSubtitles_Success(t *testing.T) {
	fetcher := &fakeFetcher{result: gateway.Result{
		Language: "en",
		Lines:    []upstream.Line{{Index: 0, EndSeconds: 1.5, DurationSeconds: 1.5, Text: "hello"}},
		Available: []language.Track{
			{Code: "en", Name: "English"},
		},
	}}
	srv, _ := newTestServer(t, fetcher, "")

	rec := doRequest(t, srv, http.MethodPost, "/api/subtitles",
		`{"videoId":"dQw4w9WgXcQ","language":"en"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success           bool            `json:"success"`
		VideoID           string          `json:"videoId"`
		Language          string          `json:"language"`
		RequestedLanguage string          `json:"requestedLanguage"`
		Subtitles         []upstream.Line `json:"subtitles"`
		Count             int             `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.VideoID != "dQw4w9WgXcQ" || resp.Language != "en" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Count != 1 || len(resp.Subtitles) != 1 || resp.Subtitles[0].Text != "hello" {
		t.Fatalf("subtitles = %+v", resp)
	}
	if got := rec.Header().Get("X-Request-Id"); got == "" {
		t.Fatal("missing X-Request-Id header")
	}
}

func TestFetchSubtitles_InvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFetcher{}, "")

	rec := doRequest(t, srv, http.MethodPost, "/api/subtitles", "{not json", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	if resp.Success || resp.Reason != string(gateway.ReasonInvalidID) {
		t.Fatalf("response = %+v", resp)
	}
}

func TestFetchSubtitles_ReasonStatusMapping(t *testing.T) {
	cases := []struct {
		reason gateway.Reason
		want   int
	}{
		{gateway.ReasonInvalidID, http.StatusBadRequest},
		{gateway.ReasonNotFound, http.StatusNotFound},
		{gateway.ReasonLanguageUnavailable, http.StatusNotFound},
		{gateway.ReasonNoContent, http.StatusForbidden},
		{gateway.ReasonUpstreamBlocked, http.StatusServiceUnavailable},
		{gateway.ReasonTransient, http.StatusGatewayTimeout},
		{gateway.ReasonSaturated, http.StatusTooManyRequests},
		{gateway.ReasonInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeFetcher{err: &gateway.Error{Reason: tc.reason}}, "")

			rec := doRequest(t, srv, http.MethodPost, "/api/subtitles",
				`{"videoId":"dQw4w9WgXcQ"}`, "")
			if rec.Code != tc.want {
				t.Fatalf("status for %s = %d, want %d", tc.reason, rec.Code, tc.want)
			}
			var resp ErrorResponse
			decodeBody(t, rec, &resp)
			if resp.Reason != string(tc.reason) {
				t.Fatalf("reason = %s, want %s", resp.Reason, tc.reason)
			}
		})
	}
}

func TestFetchSubtitles_CancellationIs499(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFetcher{err: context.Canceled}, "")

	rec := doRequest(t, srv, http.MethodPost, "/api/subtitles",
		`{"videoId":"dQw4w9WgXcQ"}`, "")
	if rec.Code != httpStatusClientClosedRequest {
		t.Fatalf("status = %d, want 499", rec.Code)
	}
}

func TestListLanguages(t *testing.T) {
	fetcher := &fakeFetcher{langs: gateway.Languages{
		Tracks: []language.Track{
			{Code: "en", Name: "English"},
			{Code: "de", Name: "German", Auto: true},
		},
	}}
	srv, _ := newTestServer(t, fetcher, "")

	rec := doRequest(t, srv, http.MethodGet, "/api/languages/dQw4w9WgXcQ", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success   bool             `json:"success"`
		VideoID   string           `json:"videoId"`
		Languages []language.Track `json:"languages"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.VideoID != "dQw4w9WgXcQ" || len(resp.Languages) != 2 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFetcher{}, "secret")

	// Health stays public even with an admin token set.
	rec := doRequest(t, srv, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		OK       bool   `json:"ok"`
		Service  string `json:"service"`
		Degraded bool   `json:"degraded"`
	}
	decodeBody(t, rec, &resp)
	if !resp.OK || resp.Service != "subrelay" || resp.Degraded {
		t.Fatalf("response = %+v", resp)
	}
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFetcher{}, "secret")

	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/stats/today"},
		{http.MethodGet, "/api/stats/2026-08-28"},
		{http.MethodGet, "/api/identities"},
		{http.MethodPost, "/api/identities/actions/reset-all"},
	}
	for _, p := range paths {
		if rec := doRequest(t, srv, p.method, p.path, "", ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s without token: status = %d, want 401", p.method, p.path, rec.Code)
		}
		if rec := doRequest(t, srv, p.method, p.path, "", "wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s with wrong token: status = %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

func TestAuthMiddleware_BadHeaderFormat(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFetcher{}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/stats/today", nil)
	req.Header.Set("Authorization", "Basic secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFetcher{}, "secret")

	rec := doRequest(t, srv, http.MethodGet, "/api/stats/today", "", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("today status = %d", rec.Code)
	}
	var today stats.DayRecord
	decodeBody(t, rec, &today)
	if today.Date != "2026-08-29" || today.TotalRequests != 3 {
		t.Fatalf("today = %+v", today)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/stats/2026-08-28", "", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("day status = %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/stats/2026-08-27", "", "secret")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing day status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/stats/not-a-date", "", "secret")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d, want 400", rec.Code)
	}
}

func TestIdentityEndpoints(t *testing.T) {
	srv, pool := newTestServer(t, &fakeFetcher{}, "secret")

	rec := doRequest(t, srv, http.MethodGet, "/api/identities", "", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listing struct {
		Identities []identity.Snapshot `json:"identities"`
		Degraded   bool                `json:"degraded"`
	}
	decodeBody(t, rec, &listing)
	if len(listing.Identities) != 2 || listing.Identities[0].Name != "proxy-1" {
		t.Fatalf("identities = %+v", listing.Identities)
	}

	// Reset a known identity, then an unknown one.
	id := listing.Identities[0].ID
	rec = doRequest(t, srv, http.MethodPost, "/api/identities/"+id+"/actions/reset", "", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/identities/bogus/actions/reset", "", "secret")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("reset unknown status = %d, want 404", rec.Code)
	}

	// Reset-all heals a degraded pool through the API.
	e, _ := pool.Current()
	pool.ReportBlock(e, "captcha")
	pool.ReportBlock(e, "captcha")
	rec = doRequest(t, srv, http.MethodPost, "/api/identities/actions/reset-all", "", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset-all status = %d", rec.Code)
	}
	if pool.Degraded() {
		t.Fatal("pool still degraded after reset-all")
	}
	for _, s := range pool.Snapshots() {
		if s.Health != "healthy" {
			t.Fatalf("identity %s = %s after reset-all", s.Name, s.Health)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFetcher{}, "")

	big := `{"videoId":"` + strings.Repeat("x", 1<<17) + `"}`
	rec := doRequest(t, srv, http.MethodPost, "/api/subtitles", big, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized body status = %d, want 400", rec.Code)
	}
}
