package api

import (
	"log"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// writeJSON renders one response body. commonMiddleware has already set
// the Content-Type header.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeInternalError(w http.ResponseWriter, err error) {
	log.Printf("[api] internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

// nullableTime keeps absent timestamps as JSON null instead of "".
func nullableTime(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return formatTime(ts)
}

func nullableTimePtr(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return formatTime(*ts)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
