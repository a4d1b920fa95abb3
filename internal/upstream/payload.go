package upstream

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/subrelay/subrelay/internal/language"
)

// payload is the upstream timedtext envelope (json3-style events plus a
// track listing).
type payload struct {
	VideoID  string `json:"videoId"`
	Language string `json:"language"`
	Tracks   []struct {
		Code string `json:"languageCode"`
		Name string `json:"name"`
		Auto bool   `json:"auto"`
	} `json:"tracks"`
	Events []event `json:"events"`
}

type event struct {
	StartMs    int64 `json:"tStartMs"`
	DurationMs int64 `json:"dDurationMs"`
	Segs       []struct {
		UTF8 string `json:"utf8"`
	} `json:"segs"`
}

func parsePayload(body []byte) (*payload, error) {
	var p payload
	if err := json.Unmarshal(trimBOM(body), &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return &p, nil
}

func (p *payload) tracks() []language.Track {
	out := make([]language.Track, 0, len(p.Tracks))
	for _, t := range p.Tracks {
		if t.Code == "" {
			continue
		}
		out = append(out, language.Track{Code: t.Code, Name: t.Name, Auto: t.Auto})
	}
	return out
}

// lines flattens json3 events into subtitle cues. Events without renderable
// text (style/window events) are skipped; indices are assigned after
// filtering so they are dense.
func (p *payload) lines() []Line {
	out := make([]Line, 0, len(p.Events))
	for _, ev := range p.Events {
		var sb strings.Builder
		for _, seg := range ev.Segs {
			sb.WriteString(seg.UTF8)
		}
		text := strings.TrimSpace(sb.String())
		if text == "" {
			continue
		}
		start := float64(ev.StartMs) / 1000
		dur := float64(ev.DurationMs) / 1000
		out = append(out, Line{
			Index:           len(out),
			StartSeconds:    start,
			EndSeconds:      start + dur,
			DurationSeconds: dur,
			Text:            text,
		})
	}
	return out
}
