package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/subrelay/subrelay/internal/identity"
)

const maxResponseBytes = 8 << 20

// Clients resolves an identity to the HTTP client routed through it.
// Injectable for testing; ClientFactory is the production implementation.
type Clients interface {
	ClientFor(e *identity.Entry) (*http.Client, error)
}

// InvokerConfig configures the Invoker.
type InvokerConfig struct {
	// BaseURL is the upstream endpoint root, e.g. "https://www.youtube.com".
	BaseURL string
	// Timeout bounds one attempt wall-clock; expiry classifies Transient.
	Timeout   time.Duration
	UserAgent string
	Clients   Clients
}

// Invoker performs exactly one network round trip per Fetch call and
// classifies the result. It never retries internally; retry and failover are
// composed above it so each layer stays single-purpose.
type Invoker struct {
	baseURL   string
	timeout   time.Duration
	userAgent string
	clients   Clients
}

// NewInvoker creates an Invoker.
func NewInvoker(cfg InvokerConfig) *Invoker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "Subrelay/1.0"
	}
	return &Invoker{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   timeout,
		userAgent: ua,
		clients:   cfg.Clients,
	}
}

// Fetch requests the subtitle payload for videoID through the given identity.
// languageHint nominates the preferred track; the upstream serves its primary
// track when the hint is unavailable, and the outcome's Language field always
// carries the track actually served.
func (inv *Invoker) Fetch(ctx context.Context, videoID, languageHint string, e *identity.Entry) Outcome {
	q := url.Values{"v": {videoID}}
	if languageHint != "" {
		q.Set("lang", languageHint)
	}
	return inv.roundTrip(ctx, e, q, languageHint)
}

// ListTracks requests only the available track listing for videoID.
// It is a full upstream round trip and must go through the same admission
// and failover path as Fetch.
func (inv *Invoker) ListTracks(ctx context.Context, videoID string, e *identity.Entry) Outcome {
	q := url.Values{"v": {videoID}, "fmt": {"list"}}
	return inv.roundTrip(ctx, e, q, "")
}

func (inv *Invoker) roundTrip(ctx context.Context, e *identity.Entry, q url.Values, hint string) Outcome {
	client, err := inv.clients.ClientFor(e)
	if err != nil {
		return Outcome{Kind: KindTransient, Detail: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	reqURL := inv.baseURL + "/api/timedtext?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Outcome{Kind: KindTransient, Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("User-Agent", inv.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	e.MarkUsed(time.Now())

	resp, err := client.Do(req)
	if err != nil {
		return Outcome{Kind: KindTransient, Detail: netErrDetail(err)}
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return Outcome{Kind: KindTransient, Detail: fmt.Sprintf("read body: %v", err)}
	}

	return Classify(resp.StatusCode, body, hint)
}

// readBody reads the (possibly gzip-compressed) response body with a hard
// size cap.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = io.LimitReader(resp.Body, maxResponseBytes)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = io.LimitReader(gz, maxResponseBytes)
	}
	return io.ReadAll(r)
}

func netErrDetail(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "attempt timeout"
	case errors.Is(err, context.Canceled):
		return "attempt cancelled"
	default:
		return err.Error()
	}
}

// blockMarkers are body substrings that indicate the upstream is refusing
// this identity rather than reporting a real data condition.
var blockMarkers = []string{
	"captcha",
	"too many requests",
	"unusual traffic",
	"recaptcha",
}

// Classify maps one raw upstream response to an Outcome. It is a pure
// function of (status, body, hint): replaying an identical payload always
// yields the identical variant.
//
// Priority order matters: block heuristics must win over data-shaped
// interpretations of the same response, otherwise a throttled identity would
// be mis-recorded as missing data and the failover controller would never
// fire.
func Classify(status int, body []byte, hint string) Outcome {
	lower := strings.ToLower(string(body))

	switch status {
	case http.StatusNotFound:
		return Outcome{Kind: KindNotFound}
	case http.StatusForbidden:
		if strings.Contains(lower, "captionsdisabled") || strings.Contains(lower, "subtitles are disabled") {
			return Outcome{Kind: KindNoContent}
		}
		if marker, ok := matchBlockMarker(lower); ok {
			return Outcome{Kind: KindBlockSignal, Reason: "http 403 " + marker}
		}
		return Outcome{Kind: KindBlockSignal, Reason: "http 403"}
	case http.StatusTooManyRequests:
		return Outcome{Kind: KindBlockSignal, Reason: "http 429"}
	}

	if marker, ok := matchBlockMarker(lower); ok {
		return Outcome{Kind: KindBlockSignal, Reason: "body marker: " + marker}
	}

	if status >= 500 {
		return Outcome{Kind: KindTransient, Detail: fmt.Sprintf("http %d", status)}
	}
	if status != http.StatusOK {
		return Outcome{Kind: KindMalformed, Detail: fmt.Sprintf("unexpected http %d", status)}
	}

	payload, err := parsePayload(body)
	if err != nil {
		return Outcome{Kind: KindMalformed, Detail: err.Error()}
	}

	available := payload.tracks()
	if len(available) == 0 {
		return Outcome{Kind: KindNoContent}
	}
	if payload.Language == "" || len(payload.Events) == 0 {
		// Track listing exists but no cue payload was served: either a
		// listing-only request or a hint the upstream declined to fill.
		return Outcome{Kind: KindLanguageUnavailable, Available: available}
	}

	lines := payload.lines()
	if len(lines) == 0 {
		return Outcome{Kind: KindMalformed, Detail: "payload contained no renderable cues"}
	}
	return Outcome{
		Kind:      KindSuccess,
		Language:  payload.Language,
		Lines:     lines,
		Available: available,
	}
}

func matchBlockMarker(lowerBody string) (string, bool) {
	for _, m := range blockMarkers {
		if strings.Contains(lowerBody, m) {
			return m, true
		}
	}
	return "", false
}

// trimBOM strips a UTF-8 byte order mark if present.
func trimBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
}
