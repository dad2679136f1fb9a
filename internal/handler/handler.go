// Package handler contains HTTP request handlers for the ride-hailing
// booking API.
package handler

import (
	"encoding/json"
	"net/http"
)

// writeJSON is a helper that writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse is the uniform shape every handler error path returns.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
