// Package errors defines the error taxonomy of the service and renders it over HTTP.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a StandardError. The value doubles as the log type tag.
type Kind string

// Error kinds.
const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindUnauthorized       Kind = "AUTH_ERROR"
	KindForbidden          Kind = "AUTHZ_ERROR"
	KindRateLimited        Kind = "RATE_LIMIT"
	KindBackendUnavailable Kind = "SERVICE_ERROR"
	KindBackendTimeout     Kind = "SERVICE_TIMEOUT"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// StandardError represents a standard application error
type StandardError struct {
	Type    Kind
	Message string
	Cause   error
	// Fields carries request context (tenant, query, document id) for logs.
	Fields map[string]string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Fields[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *StandardError) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same kind and message, so copies produced by WithCause
// or With still compare equal to the sentinel they came from.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Message == e.Message
}

// WithCause adds a cause to the error
func (e *StandardError) WithCause(cause error) *StandardError {
	c := e.clone()
	c.Cause = cause
	return c
}

// With attaches a context field to a copy of the error.
func (e *StandardError) With(key, value string) *StandardError {
	c := e.clone()
	c.Fields[key] = value
	return c
}

func (e *StandardError) clone() *StandardError {
	fields := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	return &StandardError{
		Type:    e.Type,
		Message: e.Message,
		Cause:   e.Cause,
		Fields:  fields,
	}
}

// Validation returns a validation error with the given message.
func Validation(format string, args ...any) *StandardError {
	return &StandardError{Type: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a not found error for the named resource.
func NotFound(resource string) *StandardError {
	return &StandardError{Type: KindNotFound, Message: resource + " not found"}
}

// Unavailable wraps a collaborator failure.
func Unavailable(service string, cause error) *StandardError {
	return &StandardError{Type: KindBackendUnavailable, Message: service + " unavailable", Cause: cause}
}

// Timeout wraps a collaborator that did not answer before the deadline.
func Timeout(service string, cause error) *StandardError {
	return &StandardError{Type: KindBackendTimeout, Message: service + " timeout", Cause: cause}
}

// Internal wraps an unexpected failure.
func Internal(cause error) *StandardError {
	return &StandardError{Type: KindInternal, Message: "internal error", Cause: cause}
}

// Backend classifies a collaborator error as a timeout or an outage.
func Backend(service string, err error) *StandardError {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Timeout(service, err)
	}
	return Unavailable(service, err)
}

// KindOf returns the kind of the first StandardError in the chain, or KindInternal.
func KindOf(err error) Kind {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Type
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Predefined error types for common scenarios

// ErrEmptyQuery indicates a blank search query
var ErrEmptyQuery = &StandardError{
	Type:    KindValidation,
	Message: "Search query cannot be empty",
}

// ErrMissingTenant indicates a request without a tenant
var ErrMissingTenant = &StandardError{
	Type:    KindValidation,
	Message: "tenant id is required",
}

// ErrEmptyPath indicates a document whose path array has no components
var ErrEmptyPath = &StandardError{
	Type:    KindValidation,
	Message: "document path cannot be empty",
}

// ErrInvalidChunkCap indicates a non-positive per-document chunk cap
var ErrInvalidChunkCap = &StandardError{
	Type:    KindValidation,
	Message: "chunks per document must be positive",
}

// ErrInvalidScore indicates a hit whose score is not a finite number
var ErrInvalidScore = &StandardError{
	Type:    KindValidation,
	Message: "hit score is not a finite number",
}

// ErrNoDocumentsProcessed indicates an ingestion batch where every document failed
var ErrNoDocumentsProcessed = &StandardError{
	Type:    KindValidation,
	Message: "No documents could be processed successfully",
}

// ErrDocumentNotFound indicates a missing or foreign document
var ErrDocumentNotFound = NotFound("Document")

// ErrConversationNotFound indicates a missing or foreign conversation
var ErrConversationNotFound = NotFound("Conversation")

// ErrInvalidAuthHeader indicates malformed authorization header
var ErrInvalidAuthHeader = &StandardError{
	Type:    KindUnauthorized,
	Message: "Invalid authorization header format",
}

// ErrMissingAuthHeader indicates missing authorization header
var ErrMissingAuthHeader = &StandardError{
	Type:    KindUnauthorized,
	Message: "Missing authorization header",
}

// ErrTenantMismatch indicates a request body naming another tenant
var ErrTenantMismatch = &StandardError{
	Type:    KindForbidden,
	Message: "tenant does not match the authenticated user",
}

// ErrRateLimited indicates the tenant exhausted its request budget
var ErrRateLimited = &StandardError{
	Type:    KindRateLimited,
	Message: "Rate limit exceeded",
}
