package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "docrag/internal/errors"
)

func request(header string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestMockModeUsesTokenAsTenant(t *testing.T) {
	a := NewAuthenticator(ModeMock, nil)

	tenant, err := a.Tenant(request("Bearer alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", tenant)
}

func TestStaticModeLooksUpToken(t *testing.T) {
	a := NewAuthenticator(ModeStatic, map[string]string{"s3cret": "alice"})

	tenant, err := a.Tenant(request("Bearer s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "alice", tenant)

	_, err = a.Tenant(request("Bearer alice"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidAuthHeader)
}

func TestInvalidHeaders(t *testing.T) {
	a := NewAuthenticator(ModeMock, nil)

	cases := map[string]error{
		"":             apperrors.ErrMissingAuthHeader,
		"alice":        apperrors.ErrInvalidAuthHeader,
		"Basic alice":  apperrors.ErrInvalidAuthHeader,
		"Bearer ":      apperrors.ErrInvalidAuthHeader,
		"Bearer a b":   apperrors.ErrInvalidAuthHeader,
		"bearer alice": apperrors.ErrInvalidAuthHeader,
	}
	for header, want := range cases {
		_, err := a.Tenant(request(header))
		assert.ErrorIs(t, err, want, header)
	}
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator(ModeMock, nil)
	var failed error
	fail := func(w http.ResponseWriter, _ *http.Request, err error) {
		failed = err
		w.WriteHeader(http.StatusUnauthorized)
	}

	var seen string
	handler := a.Middleware(fail)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = TenantFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request("Bearer bob"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", seen)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, request(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.ErrorIs(t, failed, apperrors.ErrMissingAuthHeader)
}

func TestTenantFromContextMissing(t *testing.T) {
	_, ok := TenantFromContext(request("").Context())
	assert.False(t, ok)
}
