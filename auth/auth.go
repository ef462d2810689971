// Package auth resolves the caller's identity from a bearer token issued by
// the external identity provider. Tokens are HS256 JWTs carrying the stable
// identity in "sub" and the account role in "role".
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"service-matching/models"
)

type Identity struct {
	ID   string
	Role models.Role
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses tokenString and returns the identity it carries.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, models.Unauthorized("token verification is not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, models.Unauthorized("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, models.Unauthorized("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, models.Unauthorized("token does not contain a valid 'sub' claim")
	}
	role := models.Role(fmt.Sprint(claims["role"]))
	if role != models.RoleCustomer && role != models.RoleProvider {
		return Identity{}, models.Unauthorized("token does not contain a valid 'role' claim")
	}
	return Identity{ID: sub, Role: role}, nil
}

// Issue signs a token for id. The service never issues tokens in production;
// this exists for local tooling and tests.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  id.ID,
		"role": string(id.Role),
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// FromRequest extracts and verifies the bearer token on r.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return Identity{}, models.Unauthorized("missing or invalid Authorization header")
	}
	return v.Verify(strings.TrimPrefix(header, "Bearer "))
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
