package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Helper functions for request parsing and JSON responses

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
		http.Error(w, `{"success":false,"error":"Internal error","message":"encoding failed"}`, http.StatusInternalServerError)
		return
	}
	writeRawJSON(w, status, body)
}

// writeRawJSON writes an already encoded body
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logrus.Debugf("Failed to write response: %v", err)
	}
}

// writeError writes the standard error body
func writeError(w http.ResponseWriter, status int, errorMsg string, cause error) {
	message := http.StatusText(status)
	if cause != nil {
		message = cause.Error()
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, errorBody{Success: false, Error: errorMsg, Message: message})
}

// allowMethods answers 405 unless the request method is one of methods
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	return false
}

// queryBool parses a boolean query parameter; anything unparsable is false
func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

// queryOrDefault returns the trimmed query value or defaultValue when empty
func queryOrDefault(r *http.Request, key, defaultValue string) string {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		return v
	}
	return defaultValue
}
