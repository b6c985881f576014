// Package api exposes the HTTP surface of the webset deduplication
// service: job creation, the per-job SSE stream, history lookups, and
// aggregate stats. The request/response helpers here are grounded on the
// teacher's internal/api/json_helpers.go (structured error envelope,
// bounded JSON decoding) trimmed to what this domain needs.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxJSONBodyBytes = 1 << 20 // 1 MiB

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiErrorBody `json:"error"`
}

type statusError interface {
	StatusCode() int
}

// RequestError captures a structured API error with a status code and a
// machine-readable code, satisfying the error interface so it can also be
// used as the payload for server.writeMiddlewareError.
type RequestError struct {
	Status  int
	CodeVal string
	Message string
	Err     error
}

func (e RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.StatusCode())
}

func (e RequestError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status associated with the error.
func (e RequestError) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Code returns the machine-readable code for the error.
func (e RequestError) Code() string {
	if e.CodeVal != "" {
		return e.CodeVal
	}
	return errorCodeForStatus(e.StatusCode())
}

// WriteJSON writes a JSON payload with the provided status code.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes a structured error payload using the provided status
// code and code/message derived from err when it is a RequestError.
func WriteError(w http.ResponseWriter, status int, err error) {
	code := errorCodeForStatus(status)
	message := http.StatusText(status)
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		if reqErr.CodeVal != "" {
			code = reqErr.CodeVal
		}
		if reqErr.Message != "" {
			message = reqErr.Message
		}
	} else if err != nil && status < http.StatusInternalServerError {
		message = err.Error()
	}
	WriteJSON(w, status, apiErrorResponse{Error: apiErrorBody{Code: code, Message: message}})
}

// DecodeJSON parses a JSON payload into dest, rejecting unknown fields and
// enforcing a body size limit.
func DecodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return RequestError{Status: http.StatusBadRequest, CodeVal: "validation_failed", Message: "request body is required"}
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes+1))
	if err != nil {
		return RequestError{Status: http.StatusBadRequest, CodeVal: "invalid_json", Message: "unable to read request body", Err: err}
	}
	if len(body) == 0 {
		return RequestError{Status: http.StatusBadRequest, CodeVal: "validation_failed", Message: "request body is required"}
	}
	if len(body) > maxJSONBodyBytes {
		return RequestError{Status: http.StatusRequestEntityTooLarge, CodeVal: "request_too_large", Message: fmt.Sprintf("request body must not exceed %d bytes", maxJSONBodyBytes)}
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return classifyDecodeError(err)
	}
	return nil
}

func classifyDecodeError(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return RequestError{Status: http.StatusBadRequest, CodeVal: "invalid_json", Message: "malformed JSON", Err: err}
	case errors.As(err, &typeErr):
		if typeErr.Field != "" {
			return RequestError{Status: http.StatusBadRequest, CodeVal: "validation_failed", Message: fmt.Sprintf("invalid value for %s", typeErr.Field), Err: err}
		}
		return RequestError{Status: http.StatusBadRequest, CodeVal: "validation_failed", Message: "invalid value", Err: err}
	case errors.Is(err, io.EOF):
		return RequestError{Status: http.StatusBadRequest, CodeVal: "invalid_json", Message: "request body cannot be empty", Err: err}
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.TrimPrefix(err.Error(), "json: unknown field ")
		return RequestError{Status: http.StatusBadRequest, CodeVal: "validation_failed", Message: fmt.Sprintf("unknown field %s", field), Err: err}
	default:
		return RequestError{Status: http.StatusBadRequest, CodeVal: "invalid_json", Message: "invalid JSON payload", Err: err}
	}
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusUnprocessableEntity:
		return "unprocessable_entity"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= 500 {
			return "internal_error"
		}
		return "error"
	}
}

// ValidationError builds a RequestError for invalid user input.
func ValidationError(message string) RequestError {
	return RequestError{Status: http.StatusBadRequest, CodeVal: "validation_failed", Message: message}
}

// NotFoundError builds a RequestError for a missing resource.
func NotFoundError(message string) RequestError {
	return RequestError{Status: http.StatusNotFound, CodeVal: "not_found", Message: message}
}

// ServiceUnavailableError builds a RequestError for temporarily unavailable
// upstream dependencies.
func ServiceUnavailableError(message string) RequestError {
	return RequestError{Status: http.StatusServiceUnavailable, CodeVal: "service_unavailable", Message: message}
}
