package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// errorResponse is the envelope every failed request receives. Unknown
// request fields are rejected at decode time.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// decodeStrict decodes body into v, rejecting unknown fields.
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusForError maps the orchestrator/tracker/registry error-message
// prefixes onto HTTP status codes. The core never returns typed errors
// across package boundaries; this boundary is where the taxonomy prefix
// becomes a status code.
func statusForError(err error) (int, string) {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "not_found"):
		return http.StatusNotFound, "not_found"
	case strings.HasPrefix(msg, "conflict"):
		return http.StatusConflict, "conflict"
	case strings.HasPrefix(msg, "forbidden"):
		return http.StatusForbidden, "forbidden"
	case strings.HasPrefix(msg, "bad_request"):
		return http.StatusBadRequest, "bad_request"
	case strings.HasPrefix(msg, "tracker_io_error"):
		return http.StatusInternalServerError, "tracker_io_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	writeError(w, status, code, err.Error())
}

var errMethodNotAllowed = errors.New("method not allowed")
