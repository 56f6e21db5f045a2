// Package httputil provides JSON request and response helpers shared by
// HTTP handlers.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
)

// MaxBodyBytes bounds request bodies read by ReadJSON.
const MaxBodyBytes = 1 << 20

// ErrorResponse is the error payload written by WriteError.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes err as an ErrorResponse. Errors that are not
// *ServiceError are reported as internal failures.
func WriteError(w http.ResponseWriter, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("Internal error", err)
	}
	status := se.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: se.Message,
		Code:    string(se.Code),
		Details: se.Details,
	})
}

// ReadJSON decodes a bounded JSON request body into v.
func ReadJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return svcerrors.Validation("empty request body")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return svcerrors.Validation(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}
