// Package middleware contains HTTP middleware for the fleet service.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mmeshcher/fleetops-system/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

const tokenTTL = 24 * time.Hour

// Claims is the identity slice the core consumes: id, role, organization
// and the active flag. Credentials stay with the authentication provider.
type Claims struct {
	Role           string `json:"role"`
	OrganizationID string `json:"org"`
	IsActive       bool   `json:"active"`
	jwt.RegisteredClaims
}

// AuthMiddleware authenticates requests by a signed bearer token.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware creates an AuthMiddleware with the given signing secret.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secretKey: []byte(secret)}
}

// IssueToken signs a token for the given user.
func (a *AuthMiddleware) IssueToken(u *model.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:           string(u.Role),
		OrganizationID: u.OrganizationID.String(),
		IsActive:       u.IsActive,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

// Middleware validates the bearer token and places the actor identity in
// the request context. Requests without a valid token are rejected.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := a.parseToken(bearerToken(r))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func (a *AuthMiddleware) parseToken(raw string) (*model.User, bool) {
	if raw == "" {
		return nil, false
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secretKey, nil
	})
	if err != nil || !token.Valid {
		return nil, false
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, false
	}
	orgID, err := uuid.Parse(claims.OrganizationID)
	if err != nil {
		return nil, false
	}

	return &model.User{
		ID:             id,
		Role:           model.Role(claims.Role),
		OrganizationID: orgID,
		IsActive:       claims.IsActive,
	}, true
}

// ActorFromContext extracts the authenticated actor from the request context.
func ActorFromContext(ctx context.Context) (*model.User, bool) {
	actor, ok := ctx.Value(actorKey).(*model.User)
	return actor, ok
}
