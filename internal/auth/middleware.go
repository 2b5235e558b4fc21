package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const clientKey contextKey = "client"

// ClientFromContext retrieves the authenticated client identity from the
// request context. Returns an empty string if no client is set.
func ClientFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(clientKey).(string); ok {
		return c
	}
	return ""
}

// WithClient stores the client identity in the context.
func WithClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// SecretLookupFunc returns the stored bcrypt hash for a client's API key
// secret.
type SecretLookupFunc func(ctx context.Context, client string) (string, error)

// BearerAuth returns middleware that resolves the calling client from the
// Authorization header. Two credential forms are accepted: an API key of
// the form "<client>.<secret>" (one dot) and an HS256 JWT (two dots) whose
// azp/sub claim names the client. On success the client identity is stored
// in the request context.
func BearerAuth(lookup SecretLookupFunc, jwtService *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"authorization header required"}`, http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, `{"error":"invalid authorization format, expected Bearer <token>"}`, http.StatusUnauthorized)
				return
			}

			token := parts[1]
			client, err := resolveClient(r.Context(), token, lookup, jwtService)
			if err != nil {
				http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithClient(r.Context(), client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveClient(ctx context.Context, token string, lookup SecretLookupFunc, jwtService *JWTService) (string, error) {
	if strings.Count(token, ".") == 2 && jwtService != nil {
		return jwtService.ValidateToken(token)
	}

	client, secret, err := SplitAPIKey(token)
	if err != nil {
		return "", err
	}

	storedHash, err := lookup(ctx, client)
	if err != nil {
		return "", ErrInvalidKey
	}

	if err := VerifySecret(secret, storedHash); err != nil {
		return "", err
	}
	return client, nil
}
