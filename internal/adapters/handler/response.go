// Package handler implements HTTP request handlers
// Following Hexagonal Architecture: Adapters translate HTTP to domain logic
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"omnigate/internal/adapters/gateway"
	"omnigate/internal/core/domain"
)

// APIResponse represents the standard response envelope.
// ALL API responses use this format.
type APIResponse struct {
	Code    int    `json:"code"`    // HTTP status code (200, 400, 500, etc.)
	Message string `json:"message"` // Human-readable message ("Success", error description)
	Data    any    `json:"data"`    // Actual payload (can be null)
}

// NewSuccessResponse creates a successful response (code 200)
func NewSuccessResponse(data any) APIResponse {
	return APIResponse{
		Code:    http.StatusOK,
		Message: "Success",
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		Code:    code,
		Message: message,
		Data:    nil,
	}
}

// StatusFor maps a service error to its HTTP status
func StatusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrPermissionDenied), errors.Is(err, gateway.ErrTokenExpired):
		return http.StatusBadGateway
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindConfiguration:
		return http.StatusInternalServerError
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindTransient:
		if errors.Is(err, domain.ErrChannelSendTimeout) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, NewSuccessResponse(data))
}

func writeCreated(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, APIResponse{Code: http.StatusCreated, Message: "Created", Data: data})
}

// writeError writes the envelope for err. Internal errors are logged and
// their text is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
		)
		// Missing setup is named so operators can fix it
		if domain.KindOf(err) != domain.KindConfiguration {
			msg = "internal error"
		}
	}
	writeJSON(w, status, NewErrorResponse(status, msg))
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return domain.Invalid("malformed request body: %v", err)
	}
	return nil
}
