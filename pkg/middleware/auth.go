// Package middleware provides HTTP middleware for runstream.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tcmartin/runstream/pkg/services"
)

// Key type for context values
type contextKey string

// Context keys
const (
	WorkspaceIDKey contextKey = "workspace_id"
)

// TokenValidator verifies bearer tokens
type TokenValidator interface {
	ValidateToken(token string) (*services.Claims, error)
}

// AuthMiddleware provides authentication middleware for HTTP handlers
type AuthMiddleware struct {
	tokens      TokenValidator
	rateLimiter *RateLimiter
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokens TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:      tokens,
		rateLimiter: NewRateLimiter(100, time.Minute), // 100 failures per minute
	}
}

// Authenticate requires a valid bearer token and stores its workspace in the request
// context. Streaming clients that cannot set headers may pass ?access_token= instead.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip authentication for OPTIONS requests (CORS preflight)
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		clientIP := r.RemoteAddr
		if m.rateLimiter.IsLimited(clientIP) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		claims, err := m.tokens.ValidateToken(token)
		if err != nil {
			m.rateLimiter.Record(clientIP)
			http.Error(w, "Authentication failed", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), WorkspaceIDKey, claims.WorkspaceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if header != "" {
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// GetWorkspaceID retrieves the caller's workspace from the request context
func GetWorkspaceID(r *http.Request) (string, bool) {
	workspaceID, ok := r.Context().Value(WorkspaceIDKey).(string)
	return workspaceID, ok && workspaceID != ""
}

// WithWorkspaceID returns ctx carrying workspaceID
func WithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, WorkspaceIDKey, workspaceID)
}

// RateLimiter counts failed attempts per client within a sliding window
type RateLimiter struct {
	attempts   map[string][]time.Time
	limit      int
	window     time.Duration
	mu         sync.Mutex
	cleanupInt time.Duration
	lastClean  time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:   make(map[string][]time.Time),
		limit:      limit,
		window:     window,
		cleanupInt: time.Minute * 5,
		lastClean:  time.Now(),
	}
}

// IsLimited checks if a client is rate limited
func (r *RateLimiter) IsLimited(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.lastClean) > r.cleanupInt {
		r.cleanup()
		r.lastClean = time.Now()
	}

	cutoff := time.Now().Add(-r.window)
	count := 0
	for _, t := range r.attempts[clientID] {
		if t.After(cutoff) {
			count++
		}
	}
	return count >= r.limit
}

// Record records a failed attempt
func (r *RateLimiter) Record(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[clientID] = append(r.attempts[clientID], time.Now())
}

// cleanup removes old entries
func (r *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-r.window)
	for clientID, attempts := range r.attempts {
		var valid []time.Time
		for _, t := range attempts {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		if len(valid) > 0 {
			r.attempts[clientID] = valid
		} else {
			delete(r.attempts, clientID)
		}
	}
}
