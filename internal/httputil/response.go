// Package httputil writes the JSON envelope shared by every HTTP response:
// {"status": "success"|"error", "message": ..., "code": ..., "data": ...}.
package httputil

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/R3E-Network/marketplace_layer/internal/errors"
)

// MaxBodyBytes caps request bodies accepted by DecodeJSON.
const MaxBodyBytes = 1 << 20

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope is the response body shape.
type Envelope struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Data    interface{}            `json:"data,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess wraps data in a success envelope.
func WriteSuccess(w http.ResponseWriter, status int, message string, data interface{}) {
	WriteJSON(w, status, Envelope{Status: StatusSuccess, Message: message, Data: data})
}

// WriteError writes err as an error envelope. Errors outside the service
// taxonomy are reported as internal without leaking their text.
func WriteError(w http.ResponseWriter, err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("internal error", err)
	}
	WriteJSON(w, se.HTTPStatus, Envelope{
		Status:  StatusError,
		Message: se.Message,
		Code:    string(se.Code),
		Details: se.Details,
	})
}

// DecodeJSON decodes a single JSON object from r into dst, rejecting
// unknown fields and oversized bodies.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case stderrors.As(err, &tooLarge):
			return errors.Validation("request body exceeds %d bytes", MaxBodyBytes)
		case stderrors.Is(err, io.EOF):
			return errors.Validation("request body is required")
		default:
			return errors.Validation("invalid request body: %v", err)
		}
	}
	if dec.More() {
		return errors.Validation("request body must contain a single JSON object")
	}
	return nil
}
