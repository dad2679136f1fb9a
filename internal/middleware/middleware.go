// Package middleware contains HTTP middleware for the ride-hailing booking
// system.
package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shiva/ridehail/internal/model"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs every HTTP request with method, path, status, and latency.
//
// Example output:
//
//	[http] POST /bookings → 201 (4.2ms)
//	[http] PUT /bookings/b1/accept → 409 (2.1ms)
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		latency := time.Since(start)
		log.Printf("[http] %s %s → %d (%s)",
			r.Method, r.URL.Path, rw.statusCode, latency.Round(100*time.Microsecond))
	})
}

// Recoverer catches panics in handlers and returns a 500 response
// instead of crashing the entire server.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[http] PANIC: %s %s → %v", r.Method, r.URL.Path, err)
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS allows browser clients (e.g. a Swagger UI or the driver/customer web
// apps) to call the API from a different origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-Id, X-User-Role")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type contextKey string

const (
	userIDKey contextKey = "userId"
	roleKey   contextKey = "role"
)

// UserIDFromContext returns the authenticated user id set by Auth, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// RoleFromContext returns the authenticated user's role set by Auth.
func RoleFromContext(ctx context.Context) model.UserRole {
	role, _ := ctx.Value(roleKey).(model.UserRole)
	return role
}

// Auth authenticates each request either via a bearer JWT (`golang-jwt/jwt/v5`,
// verified with signingKey) or via trusted-gateway headers `X-User-Id` /
// `X-User-Role`, set upstream by an internal gateway that has already
// authenticated the caller. Requests with neither get 401.
//
// Grounded on no teacher equivalent (Hintro ships no auth layer); the bearer
// path follows CarPooling users-api's golang-jwt verification usage, with the
// signing key supplied through the config layer's env-driven secrets.
func Auth(signingKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, role, ok := authenticate(r, signingKey)
			if !ok {
				writeUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, roleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, signingKey string) (string, model.UserRole, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return authenticateBearer(auth, signingKey)
	}

	userID := r.Header.Get("X-User-Id")
	role := r.Header.Get("X-User-Role")
	if userID == "" || role == "" {
		return "", "", false
	}
	return userID, model.UserRole(role), true
}

func authenticateBearer(header, signingKey string) (string, model.UserRole, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || signingKey == "" {
		return "", "", false
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(signingKey), nil
	})
	if err != nil || !parsed.Valid {
		return "", "", false
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || role == "" {
		return "", "", false
	}
	return sub, model.UserRole(role), true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","message":"missing or invalid credentials"}`))
}
