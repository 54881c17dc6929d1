package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/GiorgiUbiria/notary_ledger/internal/httputil"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
)

type contextKey string

const nymIDContextKey contextKey = "nymID"

// NymID returns the authenticated nym stored by Authenticated.
func NymID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(nymIDContextKey).(string)
	return id, ok && id != ""
}

// WithNymID is used by tests and by handlers that act on behalf of a nym.
func WithNymID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nymIDContextKey, id)
}

// IssueToken signs an HS256 token whose subject is the nym id.
func IssueToken(secret []byte, nymID string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   nymID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Authenticated rejects requests without a valid bearer token and stores the
// token subject in the request context.
func Authenticated(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			var claims jwt.RegisteredClaims
			token, err := jwt.ParseWithClaims(parts[1], &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if claims.Subject == "" {
				logger.Log.Error("jwt subject missing", zap.String("path", r.URL.Path))
				httputil.WriteError(w, http.StatusUnauthorized, "invalid token payload")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithNymID(r.Context(), claims.Subject)))
		})
	}
}
