// Package api implements the HTTP front door for the subtitle gateway. It
// validates transport-level input, maps gateway reason codes to status
// codes, and builds the JSON envelopes; no fetch policy lives here.
package api

import (
	"net/http"

	"github.com/goccy/go-json"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, reason, message string) {
	WriteJSON(w, status, ErrorResponse{
		Success: false,
		Reason:  reason,
		Message: message,
	})
}
