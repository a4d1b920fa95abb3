// Package gateway composes admission, failover, classification, language
// resolution and stats recording into the single fetch operation exposed to
// the HTTP front door.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/subrelay/subrelay/internal/cache"
	"github.com/subrelay/subrelay/internal/governor"
	"github.com/subrelay/subrelay/internal/identity"
	"github.com/subrelay/subrelay/internal/language"
	"github.com/subrelay/subrelay/internal/stats"
	"github.com/subrelay/subrelay/internal/upstream"
)

// Reason is the stable error code surfaced to callers.
type Reason string

const (
	ReasonInvalidID           Reason = "invalid-id"
	ReasonNotFound            Reason = "not-found"
	ReasonNoContent           Reason = "no-content"
	ReasonLanguageUnavailable Reason = "language-unavailable"
	ReasonUpstreamBlocked     Reason = "upstream-blocked"
	ReasonTransient           Reason = "transient"
	ReasonSaturated           Reason = "saturated"
	ReasonInternal            Reason = "internal"
)

// Error is a classified terminal failure.
type Error struct {
	Reason    Reason
	Detail    string
	Available []language.Track
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("gateway: %s", e.Reason)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Reason, e.Detail)
}

// Result is a successful fetch. Language is the track actually served; a
// fallback substitution is visible as Language != RequestedLanguage.
type Result struct {
	VideoID           string
	Language          string
	RequestedLanguage string
	Lines             []upstream.Line
	Available         []language.Track
	Cached            bool
}

// Languages is a successful track listing.
type Languages struct {
	VideoID string
	Tracks  []language.Track
}

// Invoker is the single-attempt upstream fetch capability.
type Invoker interface {
	Fetch(ctx context.Context, videoID, languageHint string, e *identity.Entry) upstream.Outcome
	ListTracks(ctx context.Context, videoID string, e *identity.Entry) upstream.Outcome
}

// Config configures the Gateway.
type Config struct {
	Governor *governor.Governor
	Pool     *identity.Pool
	Invoker  Invoker
	Resolver language.Resolver
	Stats    *stats.Service
	// Cache is optional; hits bypass admission entirely.
	Cache *cache.TranscriptCache
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Gateway is the facade. One instance serves all concurrent callers; every
// collaborator is shared and process-lifetime.
type Gateway struct {
	governor *governor.Governor
	pool     *identity.Pool
	invoker  Invoker
	resolver language.Resolver
	stats    *stats.Service
	cache    *cache.TranscriptCache
	now      func() time.Time
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		governor: cfg.Governor,
		pool:     cfg.Pool,
		invoker:  cfg.Invoker,
		resolver: cfg.Resolver,
		stats:    cfg.Stats,
		cache:    cfg.Cache,
		now:      now,
	}
}

// videoIDLen is the fixed length of upstream item identifiers.
const videoIDLen = 11

// ValidVideoID reports whether id is a well-formed item identifier.
func ValidVideoID(id string) bool {
	if len(id) != videoIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// FetchSubtitles runs one logical request through the full state machine:
// Admitted -> Dispatched -> Classified -> (LanguageResolved | TerminalError)
// -> Recorded -> Done. The invoker is called at most twice (initial attempt
// plus one automatic failover retry after a block signal).
func (g *Gateway) FetchSubtitles(ctx context.Context, videoID, requestedLang string) (Result, error) {
	if !ValidVideoID(videoID) {
		// Rejected before admission; never reaches the governor and is not
		// counted as a completed request.
		return Result{}, &Error{Reason: ReasonInvalidID, Detail: "videoId must be 11 characters"}
	}
	if requestedLang == "" {
		requestedLang = "en"
	}

	if g.cache != nil {
		if hit, ok := g.cache.Get(videoID, requestedLang); ok {
			g.recordSuccess(hit.Language)
			return Result{
				VideoID:           videoID,
				Language:          hit.Language,
				RequestedLanguage: requestedLang,
				Lines:             hit.Lines,
				Available:         hit.Available,
				Cached:            true,
			}, nil
		}
	}

	if err := g.admit(ctx); err != nil {
		return Result{}, err
	}

	outcome, gerr := g.dispatchWithFailover(ctx, func(e *identity.Entry) upstream.Outcome {
		return g.invoker.Fetch(ctx, videoID, requestedLang, e)
	})
	if gerr != nil {
		g.recordFailure(gerr.Reason)
		return Result{}, gerr
	}

	switch outcome.Kind {
	case upstream.KindSuccess:
		chosen, ok := g.resolver.Resolve(requestedLang, outcome.Available)
		if !ok || (chosen != outcome.Language && !g.resolver.FallbackEnabled) {
			// Fallback is disabled and the upstream served a substitute
			// track. The payload is discarded rather than silently claiming
			// the requested language. With fallback enabled any served track
			// is acceptable; outcome.Language stays the ground truth even
			// when the local preference would have picked a different one.
			g.recordFailure(ReasonLanguageUnavailable)
			return Result{}, &Error{Reason: ReasonLanguageUnavailable, Available: outcome.Available}
		}
		res := Result{
			VideoID:           videoID,
			Language:          outcome.Language,
			RequestedLanguage: requestedLang,
			Lines:             outcome.Lines,
			Available:         outcome.Available,
		}
		if g.cache != nil {
			g.cache.Put(videoID, requestedLang, cache.Entry{
				Language:  res.Language,
				Lines:     res.Lines,
				Available: res.Available,
			})
		}
		g.recordSuccess(res.Language)
		return res, nil

	case upstream.KindLanguageUnavailable:
		g.recordFailure(ReasonLanguageUnavailable)
		return Result{}, &Error{Reason: ReasonLanguageUnavailable, Available: outcome.Available}

	default:
		reason := terminalReason(outcome)
		g.recordFailure(reason)
		return Result{}, &Error{Reason: reason, Detail: outcome.Detail}
	}
}

// ListLanguages returns the available track listing for videoID. The call
// consumes an upstream round trip and therefore runs through the same
// admission and failover path as a fetch.
func (g *Gateway) ListLanguages(ctx context.Context, videoID string) (Languages, error) {
	if !ValidVideoID(videoID) {
		return Languages{}, &Error{Reason: ReasonInvalidID, Detail: "videoId must be 11 characters"}
	}

	if err := g.admit(ctx); err != nil {
		return Languages{}, err
	}

	outcome, gerr := g.dispatchWithFailover(ctx, func(e *identity.Entry) upstream.Outcome {
		return g.invoker.ListTracks(ctx, videoID, e)
	})
	if gerr != nil {
		g.recordFailure(gerr.Reason)
		return Languages{}, gerr
	}

	switch outcome.Kind {
	case upstream.KindSuccess, upstream.KindLanguageUnavailable:
		// A listing needs only the track set; both variants carry it.
		g.recordSuccess("")
		return Languages{VideoID: videoID, Tracks: outcome.Available}, nil
	default:
		reason := terminalReason(outcome)
		g.recordFailure(reason)
		return Languages{}, &Error{Reason: reason, Detail: outcome.Detail}
	}
}

// admit passes the request through the governor/queue.
func (g *Gateway) admit(ctx context.Context) error {
	_, err := g.governor.Admit(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, governor.ErrSaturated):
		g.recordFailure(ReasonSaturated)
		return &Error{Reason: ReasonSaturated, Detail: "request queue at maximum depth"}
	case errors.Is(err, governor.ErrStopped):
		return &Error{Reason: ReasonInternal, Detail: "gateway shutting down"}
	default:
		// Caller cancelled or timed out while queued; the slot was released
		// without consuming a token and nothing is recorded.
		return err
	}
}

// dispatchWithFailover runs the attempt against the current identity,
// reporting the outcome to the failover controller. On a block signal the
// same logical request is retried exactly once against the (possibly
// rotated) current identity.
func (g *Gateway) dispatchWithFailover(ctx context.Context, attempt func(*identity.Entry) upstream.Outcome) (upstream.Outcome, *Error) {
	const maxAttempts = 2 // initial + one automatic failover retry

	for i := 0; i < maxAttempts; i++ {
		e, err := g.pool.Current()
		if err != nil {
			// Degraded pool: surface transient until an identity is reset.
			return upstream.Outcome{}, &Error{Reason: ReasonTransient, Detail: "no healthy egress identity"}
		}

		outcome := attempt(e)

		// Block detection matters for future callers even if this caller
		// cancelled mid-flight, so the pool hears about it before any
		// early return.
		switch outcome.Kind {
		case upstream.KindBlockSignal:
			g.pool.ReportBlock(e, outcome.Reason)
			if i+1 < maxAttempts {
				log.Printf("[gateway] block signal on %s (%s), retrying on next identity", e.Name, outcome.Reason)
				continue
			}
			return upstream.Outcome{}, &Error{Reason: ReasonUpstreamBlocked, Detail: outcome.Reason}

		case upstream.KindSuccess, upstream.KindNotFound, upstream.KindNoContent, upstream.KindLanguageUnavailable:
			// The upstream answered coherently; the identity is not being
			// refused, so its block confidence resets.
			g.pool.ReportSuccess(e)
			return outcome, nil

		default:
			// Transient and malformed outcomes neither confirm nor clear a
			// block suspicion.
			return outcome, nil
		}
	}
	// Unreachable: the loop always returns.
	return upstream.Outcome{}, &Error{Reason: ReasonInternal}
}

func terminalReason(o upstream.Outcome) Reason {
	switch o.Kind {
	case upstream.KindNotFound:
		return ReasonNotFound
	case upstream.KindNoContent:
		return ReasonNoContent
	case upstream.KindLanguageUnavailable:
		return ReasonLanguageUnavailable
	case upstream.KindBlockSignal:
		return ReasonUpstreamBlocked
	case upstream.KindTransient:
		return ReasonTransient
	case upstream.KindMalformed:
		return ReasonInternal
	default:
		return ReasonInternal
	}
}

func (g *Gateway) recordSuccess(lang string) {
	if g.stats != nil {
		g.stats.RecordSuccess(g.now(), lang)
	}
}

func (g *Gateway) recordFailure(reason Reason) {
	if g.stats != nil {
		g.stats.RecordFailure(g.now(), string(reason))
	}
}
