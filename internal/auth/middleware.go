// Package auth resolves the tenant of a request from its bearer token.
package auth

import (
	"context"
	"net/http"
	"strings"

	apperrors "docrag/internal/errors"
)

type contextKey string

// TenantContextKey is the context key for storing the authenticated tenant
const TenantContextKey contextKey = "tenant"

// Auth modes.
const (
	// ModeMock treats the bearer token itself as the tenant id.
	ModeMock = "mock"
	// ModeStatic looks the token up in a fixed token to tenant table.
	ModeStatic = "static"
)

// FailFunc writes the response of a rejected request
type FailFunc func(w http.ResponseWriter, r *http.Request, err error)

// Authenticator maps bearer tokens to tenants
type Authenticator struct {
	mode   string
	tokens map[string]string
}

// NewAuthenticator creates an Authenticator. tokens is only used in static mode.
func NewAuthenticator(mode string, tokens map[string]string) *Authenticator {
	return &Authenticator{mode: mode, tokens: tokens}
}

// Tenant returns the tenant identified by the Authorization header of r
func (a *Authenticator) Tenant(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", apperrors.ErrMissingAuthHeader
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", apperrors.ErrInvalidAuthHeader
	}
	token := parts[1]

	if a.mode == ModeStatic {
		tenant, ok := a.tokens[token]
		if !ok || tenant == "" {
			return "", apperrors.ErrInvalidAuthHeader
		}
		return tenant, nil
	}
	return token, nil
}

// Middleware validates the Authorization header and adds the tenant to the context
func (a *Authenticator) Middleware(fail FailFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, err := a.Tenant(r)
			if err != nil {
				fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
		})
	}
}

// WithTenant returns a copy of ctx carrying tenant
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, TenantContextKey, tenant)
}

// TenantFromContext extracts the authenticated tenant from the context
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(TenantContextKey).(string)
	return tenant, ok && tenant != ""
}
