// Package upstream performs single fetch attempts against the subtitle
// provider through a given egress identity and classifies each attempt into
// a closed outcome set. Failover and retry policy live above this layer.
package upstream

import "github.com/subrelay/subrelay/internal/language"

// OutcomeKind enumerates the closed classification set. Exactly one kind is
// assigned per attempt.
type OutcomeKind int

const (
	// KindSuccess: subtitle lines were served (possibly for a different
	// track than the hint; Language carries the ground truth).
	KindSuccess OutcomeKind = iota
	// KindNotFound: the item does not exist upstream.
	KindNotFound
	// KindNoContent: the item exists but subtitles are disabled or absent.
	KindNoContent
	// KindLanguageUnavailable: the hinted language is absent but other
	// tracks exist (Available lists them).
	KindLanguageUnavailable
	// KindBlockSignal: the upstream is refusing this identity due to
	// rate/ban heuristics (Reason carries the matched heuristic).
	KindBlockSignal
	// KindTransient: network-level failure or timeout; retryable by the
	// caller.
	KindTransient
	// KindMalformed: the upstream answered with an unexpected shape; not
	// retryable.
	KindMalformed
)

func (k OutcomeKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNotFound:
		return "not_found"
	case KindNoContent:
		return "no_content"
	case KindLanguageUnavailable:
		return "language_unavailable"
	case KindBlockSignal:
		return "block_signal"
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Line is one subtitle cue.
type Line struct {
	Index           int     `json:"index"`
	StartSeconds    float64 `json:"startSeconds"`
	EndSeconds      float64 `json:"endSeconds"`
	DurationSeconds float64 `json:"durationSeconds"`
	Text            string  `json:"text"`
}

// Outcome is the classified result of one fetch attempt.
type Outcome struct {
	Kind OutcomeKind

	// Success fields.
	Language string
	Lines    []Line

	// Track listing; populated on success and language-unavailable.
	Available []language.Track

	// Reason carries the matched block heuristic for KindBlockSignal.
	Reason string
	// Detail carries diagnostics for KindTransient and KindMalformed.
	Detail string
}
