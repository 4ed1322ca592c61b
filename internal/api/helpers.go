package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/finflow/pkg/schema"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error *schema.FlowError `json:"error"`
	// Instance is set when the instance was created or resumed but then failed.
	Instance any `json:"instance,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err's code to an HTTP status and writes it as JSON.
func writeError(w http.ResponseWriter, err error) {
	fe := schema.AsFlowError(err, schema.ErrCodeUnknown)
	writeJSON(w, statusFor(fe.Code), errorBody{Error: fe})
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeInvalidState, schema.ErrCodeConcurrentResume, schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case schema.ErrCodeUnauthorized, schema.ErrCodeForbidden:
		// Upstream credentials, not the caller's.
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readBody reads a JSON request body. An empty body yields nil.
func readBody(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "read request body").WithCause(err)
	}
	if len(data) > maxBodyBytes {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "request body exceeds %d bytes", maxBodyBytes)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, schema.NewError(schema.ErrCodeValidation, "request body is not valid JSON")
	}
	return data, nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return n, nil
}
