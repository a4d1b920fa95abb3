package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/subrelay/subrelay/internal/gateway"
	"github.com/subrelay/subrelay/internal/language"
	"github.com/subrelay/subrelay/internal/upstream"
)

// SubtitleFetcher is the slice of the gateway facade the front door needs.
type SubtitleFetcher interface {
	FetchSubtitles(ctx context.Context, videoID, requestedLang string) (gateway.Result, error)
	ListLanguages(ctx context.Context, videoID string) (gateway.Languages, error)
}

type subtitlesRequest struct {
	VideoID  string `json:"videoId"`
	Language string `json:"language"`
}

type subtitlesResponse struct {
	Success            bool             `json:"success"`
	VideoID            string           `json:"videoId"`
	Language           string           `json:"language"`
	RequestedLanguage  string           `json:"requestedLanguage"`
	Subtitles          []upstream.Line  `json:"subtitles"`
	Count              int              `json:"count"`
	AvailableLanguages []language.Track `json:"availableLanguages"`
	Cached             bool             `json:"cached,omitempty"`
}

// HandleFetchSubtitles serves POST /api/subtitles.
func HandleFetchSubtitles(gw SubtitleFetcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req subtitlesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, string(gateway.ReasonInvalidID), "invalid JSON body")
			return
		}

		res, err := gw.FetchSubtitles(r.Context(), req.VideoID, req.Language)
		if err != nil {
			writeGatewayError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, subtitlesResponse{
			Success:            true,
			VideoID:            res.VideoID,
			Language:           res.Language,
			RequestedLanguage:  res.RequestedLanguage,
			Subtitles:          res.Lines,
			Count:              len(res.Lines),
			AvailableLanguages: res.Available,
			Cached:             res.Cached,
		})
	})
}

type languagesResponse struct {
	Success   bool             `json:"success"`
	VideoID   string           `json:"videoId"`
	Languages []language.Track `json:"languages"`
}

// HandleListLanguages serves GET /api/languages/{videoId}.
func HandleListLanguages(gw SubtitleFetcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		videoID := r.PathValue("videoId")

		res, err := gw.ListLanguages(r.Context(), videoID)
		if err != nil {
			writeGatewayError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, languagesResponse{
			Success:   true,
			VideoID:   res.VideoID,
			Languages: res.Tracks,
		})
	})
}

// writeGatewayError maps gateway reason codes to transport status codes.
func writeGatewayError(w http.ResponseWriter, err error) {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			WriteError(w, httpStatusClientClosedRequest, string(gateway.ReasonTransient), "request cancelled while queued")
			return
		}
		WriteError(w, http.StatusInternalServerError, string(gateway.ReasonInternal), err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch gerr.Reason {
	case gateway.ReasonInvalidID:
		status = http.StatusBadRequest
	case gateway.ReasonNotFound, gateway.ReasonLanguageUnavailable:
		status = http.StatusNotFound
	case gateway.ReasonNoContent:
		status = http.StatusForbidden
	case gateway.ReasonUpstreamBlocked:
		status = http.StatusServiceUnavailable
	case gateway.ReasonTransient:
		status = http.StatusGatewayTimeout
	case gateway.ReasonSaturated:
		status = http.StatusTooManyRequests
	}
	WriteError(w, status, string(gerr.Reason), gerr.Detail)
}

// httpStatusClientClosedRequest is the de facto status for caller
// cancellation (nginx 499); net/http has no constant for it.
const httpStatusClientClosedRequest = 499
