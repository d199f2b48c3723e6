package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/ory/herodot"
	"github.com/rs/zerolog"

	"docrag/internal/config"
)

// RequestIDHeader carries the request id assigned by the API middleware.
const RequestIDHeader = "X-Request-ID"

// ErrorHandler provides secure error handling based on configuration
type ErrorHandler struct {
	secure     bool
	production bool
	writer     *herodot.JSONWriter
	logger     *zerolog.Logger
}

// NewErrorHandler creates a new error handler with the given configuration
func NewErrorHandler(cfg *config.Config, logger *zerolog.Logger) *ErrorHandler {
	return &ErrorHandler{
		secure:     cfg.SecureErrors(),
		production: cfg.IsProduction(),
		writer:     herodot.NewJSONWriter(nil),
		logger:     logger,
	}
}

// StatusOf maps an error to its HTTP status code.
func StatusOf(err error) int {
	if stderrors.Is(err, ErrEmptyQuery) || stderrors.Is(err, ErrNoDocumentsProcessed) {
		return http.StatusUnprocessableEntity
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBackendUnavailable:
		return http.StatusBadGateway
	case KindBackendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Handle logs err and writes it as a herodot JSON error.
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	requestID := r.Header.Get(RequestIDHeader)

	h.logError(status, err, requestID, r)

	resp := baseError(status).WithReason(h.reason(err))
	resp.RIDField = h.getRequestID(requestID)
	h.writer.WriteError(w, r, resp)
}

// HandleRateLimitError handles rate limiting errors
func (h *ErrorHandler) HandleRateLimitError(w http.ResponseWriter, r *http.Request) {
	h.Handle(w, r, ErrRateLimited)
}

// reason is the client facing detail of err. Secure mode only keeps the message of
// client errors and never exposes causes.
func (h *ErrorHandler) reason(err error) string {
	if !h.secure {
		return err.Error()
	}
	var se *StandardError
	if !stderrors.As(err, &se) {
		return ""
	}
	switch se.Type {
	case KindValidation, KindNotFound, KindUnauthorized, KindForbidden, KindRateLimited:
		return se.Message
	default:
		return ""
	}
}

func baseError(status int) herodot.DefaultError {
	switch status {
	case http.StatusBadRequest:
		return herodot.ErrBadRequest
	case http.StatusUnauthorized:
		return herodot.ErrUnauthorized
	case http.StatusForbidden:
		return herodot.ErrForbidden
	case http.StatusNotFound:
		return herodot.ErrNotFound
	case http.StatusUnprocessableEntity:
		return herodot.DefaultError{
			CodeField:   status,
			StatusField: http.StatusText(status),
			ErrorField:  "The request was well-formed but could not be processed",
		}
	case http.StatusTooManyRequests:
		return herodot.DefaultError{
			CodeField:   status,
			StatusField: http.StatusText(status),
			ErrorField:  "Rate limit exceeded",
		}
	case http.StatusBadGateway:
		return herodot.DefaultError{
			CodeField:   status,
			StatusField: http.StatusText(status),
			ErrorField:  "External service unavailable",
		}
	case http.StatusGatewayTimeout:
		return herodot.DefaultError{
			CodeField:   status,
			StatusField: http.StatusText(status),
			ErrorField:  "External service did not respond in time",
		}
	default:
		return herodot.ErrInternalServerError
	}
}

// logError logs errors with context
func (h *ErrorHandler) logError(status int, err error, requestID string, r *http.Request) {
	event := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = h.logger.Error()
	}

	var se *StandardError
	if stderrors.As(err, &se) {
		for k, v := range se.Fields {
			event = event.Str(k, v)
		}
	}

	event.
		Err(err).
		Str("type", string(KindOf(err))).
		Int("status", status).
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("user_agent", r.Header.Get("User-Agent")).
		Str("remote_ip", ClientIP(r)).
		Msg("request failed")
}

// getRequestID returns request ID for the response, hidden in secure production
func (h *ErrorHandler) getRequestID(requestID string) string {
	if h.production && h.secure {
		return ""
	}
	return requestID
}

// ClientIP extracts the real client IP from request headers
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	// Fall back to RemoteAddr
	return r.RemoteAddr
}
