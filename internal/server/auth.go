package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/daybook-io/daybook/internal/tokens"
	"github.com/golang-jwt/jwt/v4"
)

// Auth validates bearer credentials on mutating requests. Two forms are
// accepted: daybook API keys (dbk_ prefix, looked up in the token store) and
// HS256 JWTs signed with the configured secret.
type Auth struct {
	tokens    *tokens.Store
	jwtSecret []byte
	enabled   bool
	log       *slog.Logger
}

// NewAuth creates the auth layer. With enabled=false the middleware passes
// everything through.
func NewAuth(store *tokens.Store, jwtSecret string, enabled bool, log *slog.Logger) *Auth {
	if log == nil {
		log = slog.Default()
	}
	return &Auth{
		tokens:    store,
		jwtSecret: []byte(jwtSecret),
		enabled:   enabled,
		log:       log,
	}
}

// Middleware requires auth for mutation requests. Read-only requests (GET)
// are public.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if !a.Authenticate(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate reports whether the request carries a valid bearer credential.
func (a *Auth) Authenticate(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || bearer == "" {
		return false
	}
	if strings.HasPrefix(bearer, tokens.Prefix) {
		if a.tokens == nil {
			return false
		}
		valid, err := a.tokens.Verify(r.Context(), bearer)
		if err != nil {
			a.log.Error("token lookup failed", "error", err)
			return false
		}
		return valid
	}
	return a.verifyJWT(bearer)
}

func (a *Auth) verifyJWT(raw string) bool {
	if len(a.jwtSecret) == 0 {
		return false
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	return err == nil && token.Valid
}

// IssueJWT mints a short-lived HS256 token for subject.
func (a *Auth) IssueJWT(subject string, ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", fmt.Errorf("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "daybook",
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}
