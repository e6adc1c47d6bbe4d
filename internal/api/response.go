// Package api implements the HTTP admission surface. It uses Chi as the
// router. Task payloads are returned bare (the response shapes are the
// contract clients script against); errors are wrapped in a standard
// envelope carrying the taxonomy code:
//
//	{"error": {"message": "...", "code": "InvalidArgument"}}
package api

import (
	"encoding/json"
	"net/http"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

// envelope builds ad-hoc JSON objects for list and error responses.
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error response with the given status, message and
// taxonomy code.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// respondError classifies err and writes the matching status. Unclassified
// errors surface as a generic 500 so internals never leak to clients.
func respondError(w http.ResponseWriter, err error) {
	code := jobs.CodeOf(err)
	errJSON(w, httpStatus(code), jobs.MessageOf(err), string(code))
}

// httpStatus maps the error taxonomy onto HTTP statuses. Pipeline failure
// codes reach clients only inside job snapshots, so everything beyond the
// admission codes is a plain 500.
func httpStatus(code jobs.ErrorCode) int {
	switch code {
	case jobs.CodeInvalidArgument:
		return http.StatusBadRequest
	case jobs.CodeNotFound:
		return http.StatusNotFound
	case jobs.CodeInvalidState:
		return http.StatusConflict
	case jobs.CodeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		errJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error(), string(jobs.CodeInvalidArgument))
		return false
	}
	return true
}
