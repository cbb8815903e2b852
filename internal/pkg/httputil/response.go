package httputil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// ErrorResponse is the error envelope shared by every engine endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JSON writes data as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[HTTP] encode response: %v", err)
	}
}

// Error writes a JSON error envelope with the given status code.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// RetryLater writes a JSON error with a Retry-After hint for callers that
// are expected to come back rather than give up.
func RetryLater(w http.ResponseWriter, status int, message string, after time.Duration) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(after.Seconds())))
	Error(w, status, message)
}

// Decode reads a JSON request body into dst. On a parse failure it writes
// a 400 response and returns false; the handler should return immediately.
func Decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
