package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/d4r1us/aigw-go/internal/embed"
	"github.com/d4r1us/aigw-go/internal/logging"
	"github.com/d4r1us/aigw-go/internal/models"
	"github.com/d4r1us/aigw-go/internal/resilience"
)

// Error kinds exposed in the wire envelope.
const (
	kindInvalidRequest = "invalid_request_error"
	kindNotFound       = "not_found"
	kindRateLimited    = "rate_limit_exceeded"
	kindAuth           = "authentication_error"
	kindPayloadLarge   = "client_error"
	kindInternal       = "internal_server_error"
	kindNotImplemented = "not_implemented"
)

// apiError is the wire error envelope: {"error":{"message","type"}}.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

// apiErrorBody is the inner error object.
type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// classify maps an internal error onto (HTTP status, envelope kind).
// Breaker-open and timeout failures surface as internal errors; upstream
// statuses pass through where the taxonomy names them.
func classify(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusInternalServerError, kindInternal
	case errors.Is(err, embed.ErrBackpressure):
		return http.StatusTooManyRequests, kindRateLimited
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusInternalServerError, kindInternal
	}

	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, kindInvalidRequest
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == http.StatusUnauthorized:
			return http.StatusUnauthorized, kindAuth
		case status == http.StatusTooManyRequests:
			return http.StatusTooManyRequests, kindRateLimited
		case status == http.StatusNotFound:
			return http.StatusNotFound, kindNotFound
		case status == http.StatusRequestEntityTooLarge:
			return http.StatusRequestEntityTooLarge, kindPayloadLarge
		case status == http.StatusNotImplemented:
			return http.StatusNotImplemented, kindNotImplemented
		case status >= 400 && status < 500:
			return http.StatusBadRequest, kindInvalidRequest
		}
	}

	return http.StatusInternalServerError, kindInternal
}

// writeError emits the error envelope for err, logging server-side failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	if status >= 500 {
		logging.FromContext(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeErrorKind(w, status, kind, err.Error())
}

// writeErrorKind emits the error envelope with an explicit status and kind.
func writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Error: apiErrorBody{Message: message, Type: kind}})
}

// badRequest emits a 400 invalid_request_error envelope.
func badRequest(w http.ResponseWriter, message string) {
	writeErrorKind(w, http.StatusBadRequest, kindInvalidRequest, message)
}

// writeJSON emits a 200 JSON body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
