// Package language picks the subtitle track language to serve when the
// requested one is not available upstream.
package language

// Track describes one available subtitle track as reported by the upstream.
type Track struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Auto bool   `json:"isAuto"`
}

// Resolver applies the gateway-level fallback policy.
type Resolver struct {
	// FallbackEnabled substitutes the first available track when the
	// requested language is absent. When disabled, an absent language is a
	// miss.
	FallbackEnabled bool
}

// Resolve picks the track language to serve. The returned code is always the
// ground truth of what will be served; a substitution is visible to callers
// because it differs from requested.
//
// Precedence: exact requested match (manual tracks before auto-generated),
// then — with fallback enabled — the first available track in upstream
// order, manual tracks first.
func (r Resolver) Resolve(requested string, available []Track) (string, bool) {
	if len(available) == 0 {
		return "", false
	}

	// Manual tracks take precedence over auto-generated ones for the same
	// code, mirroring how the upstream orders its own track listing.
	var autoMatch string
	for _, t := range available {
		if t.Code != requested {
			continue
		}
		if !t.Auto {
			return t.Code, true
		}
		if autoMatch == "" {
			autoMatch = t.Code
		}
	}
	if autoMatch != "" {
		return autoMatch, true
	}

	if !r.FallbackEnabled {
		return "", false
	}
	if first, ok := firstPreferringManual(available); ok {
		return first, true
	}
	return "", false
}

func firstPreferringManual(available []Track) (string, bool) {
	for _, t := range available {
		if !t.Auto {
			return t.Code, true
		}
	}
	if len(available) > 0 {
		return available[0].Code, true
	}
	return "", false
}

// Codes extracts the track codes in upstream order.
func Codes(available []Track) []string {
	out := make([]string, 0, len(available))
	for _, t := range available {
		out = append(out, t.Code)
	}
	return out
}
