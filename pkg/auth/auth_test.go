package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/orchestrator/pkg/errdefs"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	b := NewBroker("secret", time.Hour)

	token, err := b.Issue("0xaa", RoleUser)
	require.NoError(t, err)

	claims, err := b.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "0xaa", claims.Subject)
	assert.Equal(t, RoleUser, claims.Role)
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestVerifyRejectsTampering(t *testing.T) {
	b := NewBroker("secret", time.Hour)
	token, err := b.Issue("0xaa", RoleUser)
	require.NoError(t, err)

	_, err = b.Verify(token + "x")
	assert.True(t, errdefs.Is(err, errdefs.KindUnauthorized))

	_, err = b.Verify("not-a-token")
	assert.True(t, errdefs.Is(err, errdefs.KindUnauthorized))

	// token signed under a different secret
	other := NewBroker("other-secret", time.Hour)
	foreign, err := other.Issue("0xaa", RoleUser)
	require.NoError(t, err)
	_, err = b.Verify(foreign)
	assert.True(t, errdefs.Is(err, errdefs.KindUnauthorized))
}

func TestVerifyRejectsExpired(t *testing.T) {
	b := NewBroker("secret", time.Hour)
	token, err := b.Issue("0xaa", RoleUser)
	require.NoError(t, err)

	b.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = b.Verify(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestMiddleware(t *testing.T) {
	b := NewBroker("secret", time.Hour)
	var gotSubject string
	handler := b.Middleware(RoleUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := FromContext(r.Context())
		require.True(t, ok)
		gotSubject = claims.Subject
		w.WriteHeader(http.StatusOK)
	}))

	// no token
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// valid user token
	token, err := b.Issue("0xaa", RoleUser)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xaa", gotSubject)

	// wrong role
	nodeToken, err := b.Issue("n1", RoleNode)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+nodeToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPIKeySharesIdentity(t *testing.T) {
	b := NewBroker("secret", time.Hour)

	key, err := b.IssueAPIKey("0xaa", RoleUser)
	require.NoError(t, err)

	claims, err := b.Verify(key)
	require.NoError(t, err)
	assert.Equal(t, "0xaa", claims.Subject)
	assert.True(t, claims.ExpiresAt.IsZero())

	// keys outlive the bearer token ttl
	b.now = func() time.Time { return time.Now().Add(100 * 24 * time.Hour) }
	_, err = b.Verify(key)
	assert.NoError(t, err)
}

func TestMiddlewareAcceptsAPIKeyHeader(t *testing.T) {
	b := NewBroker("secret", time.Hour)
	handler := b.Middleware(RoleUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := FromContext(r.Context())
		assert.Equal(t, "0xaa", claims.Subject)
		w.WriteHeader(http.StatusOK)
	}))

	key, err := b.IssueAPIKey("0xaa", RoleUser)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
