// Package authn verifies bearer tokens and attaches the caller's identity
// to the request context. Token issuance is out of scope; this package only parses and validates what
// an external issuer already minted, using golang-jwt/jwt/v5.
package authn

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/navfolio/portfolio-server/internal/model"
)

type contextKey int

const (
	userIDKey contextKey = iota
	roleKey
)

// Claims is the minimal shape expected in a bearer token: userId and role.
type Claims struct {
	UserID string    `json:"userId"`
	Role   model.Role `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Middleware extracts and validates the Authorization bearer token,
// rejecting the request with 401 if missing or invalid, then stores
// userId/role in the request context for downstream handlers.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, model.ErrValidation("unexpected signing method")
			}
			return v.secret, nil
		})
		if err != nil || !parsed.Valid {
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		ctx = context.WithValue(ctx, roleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin wraps a handler so that it 403s for non-admin callers.
func RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if RoleFrom(r.Context()) != model.RoleAdmin {
			http.Error(w, `{"success":false,"message":"admin role required"}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// UserIDFrom extracts the authenticated userId, "" if absent.
func UserIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// RoleFrom extracts the authenticated role, "" if absent.
func RoleFrom(ctx context.Context) model.Role {
	v, _ := ctx.Value(roleKey).(model.Role)
	return v
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"success":false,"message":"` + msg + `"}`))
}
