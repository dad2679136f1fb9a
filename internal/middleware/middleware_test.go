package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/shiva/ridehail/internal/model"
)

const testSigningKey = "test-signing-key"

func signedToken(t *testing.T, sub, role string, expired bool) string {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	claims := jwt.MapClaims{"sub": sub, "role": role, "exp": exp.Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(UserIDFromContext(r.Context()) + "|" + string(RoleFromContext(r.Context()))))
	})
}

func TestAuth_BearerToken(t *testing.T) {
	handler := Auth(testSigningKey)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "cust-1", "customer", false))
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cust-1|customer", rr.Body.String())
}

func TestAuth_ExpiredBearerToken(t *testing.T) {
	handler := Auth(testSigningKey)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "cust-1", "customer", true))
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuth_TrustedGatewayHeaders(t *testing.T) {
	handler := Auth(testSigningKey)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
	req.Header.Set("X-User-Id", "drv-1")
	req.Header.Set("X-User-Role", "driver")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "drv-1|driver", rr.Body.String())
}

func TestAuth_MissingCredentialsRejected(t *testing.T) {
	handler := Auth(testSigningKey)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuth_WrongSigningKeyRejected(t *testing.T) {
	handler := Auth("a-different-key")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "cust-1", "customer", false))
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRoleFromContext_ReturnsGatewayRole(t *testing.T) {
	handler := Auth(testSigningKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, model.UserRole("driver"), RoleFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
	req.Header.Set("X-User-Id", "drv-1")
	req.Header.Set("X-User-Role", "driver")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := CORS(next)

	req := httptest.NewRequest(http.MethodOptions, "/bookings", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, called, "OPTIONS preflight must not reach the wrapped handler")
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_PassesThroughNonPreflight(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	handler := CORS(next)

	req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
