package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/httputil"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
)

// Claims represents JWT claims
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// RevocationCheck reports whether the token with the given ID was revoked.
type RevocationCheck func(tokenID string) bool

// AuthMiddleware provides HMAC JWT authentication
type AuthMiddleware struct {
	secret  []byte
	revoked RevocationCheck
	logger  *logging.Logger
}

// NewAuthMiddleware creates a new authentication middleware. revoked may be nil.
func NewAuthMiddleware(secret []byte, revoked RevocationCheck, logger *logging.Logger) *AuthMiddleware {
	return &AuthMiddleware{secret: secret, revoked: revoked, logger: logger}
}

// Handler rejects requests without a valid bearer token and puts the
// token's user ID and claims on the request context.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		claims, err := m.ValidateToken(token)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			httputil.WriteError(w, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.UserID)
		ctx = withClaims(ctx, claims)
		m.logger.WithContext(ctx).Debug("Authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidateToken verifies signature, expiry and revocation, and returns claims.
func (m *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, svcerrors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, svcerrors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, svcerrors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, svcerrors.InvalidToken(nil).WithDetails("reason", "invalid claims")
	}
	if m.revoked != nil && claims.ID != "" && m.revoked(claims.ID) {
		return nil, svcerrors.InvalidToken(nil).WithDetails("reason", "revoked")
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", svcerrors.Unauthorized("Missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", svcerrors.Unauthorized("Invalid Authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

type claimsKey struct{}

func withClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims set by AuthMiddleware, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}
