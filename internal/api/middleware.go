package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"panelsim/internal/types"
)

type authCtxKey int

const authKey authCtxKey = 1

// Claims is the token payload. UID is the credit account owner and
// simulation owner.
type Claims struct {
	UID string `json:"uid"`
	jwt.RegisteredClaims
}

// Auth signs and verifies bearer tokens with an HS256 secret handed in
// at construction.
type Auth struct {
	secret []byte
}

// NewAuth builds an Auth around secret.
func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// SignToken issues a token for uid valid for ttl.
func (a *Auth) SignToken(uid string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{UID: uid, RegisteredClaims: jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) parseToken(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, &types.AuthError{Reason: "invalid token"}
	}
	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || c.UID == "" {
		return nil, &types.AuthError{Reason: "invalid token"}
	}
	return c, nil
}

// RequireAuth rejects requests without a valid bearer token and puts
// the claims on the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeError(w, &types.AuthError{Reason: "missing bearer token"})
			return
		}
		c, err := a.parseToken(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey, c)))
	})
}

// UserID returns the authenticated user, or "" when the request was
// not authenticated.
func UserID(ctx context.Context) string {
	if c, ok := ctx.Value(authKey).(*Claims); ok {
		return c.UID
	}
	return ""
}
