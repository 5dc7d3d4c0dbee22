package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskrelay/backend/internal/clog"
)

type contextKey string

const ctxActorKey contextKey = "actor"

// Roles carried in the token's role claim.
const (
	RoleUser    = "user"
	RoleService = "service"
)

// Actor is the authenticated caller of a request.
type Actor struct {
	ID   string
	Role string
}

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenAuth signs and validates HS256 bearer tokens whose subject is the actor id.
type TokenAuth struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenAuth(secret string, ttl time.Duration) *TokenAuth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenAuth{secret: []byte(secret), ttl: ttl}
}

// Issue returns a signed token for actorID.
func (a *TokenAuth) Issue(actorID, role string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// Validate parses token and returns the actor it names.
func (a *TokenAuth) Validate(token string) (*Actor, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	role := c.Role
	if role == "" {
		role = RoleUser
	}
	return &Actor{ID: c.Subject, Role: role}, nil
}

// RequireActor rejects requests without a valid bearer token and puts the
// actor into the request context.
func RequireActor(auth *TokenAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			actor, err := auth.Validate(raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			clog.Add(r.Context(), "actor_id", actor.ID)
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireRole must run after RequireActor.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFromCtx(r.Context())
			if actor == nil || actor.Role != role {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromCtx returns the authenticated actor or nil.
func ActorFromCtx(ctx context.Context) *Actor {
	a, _ := ctx.Value(ctxActorKey).(*Actor)
	return a
}

// WithActor returns a context carrying the given actor.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, ctxActorKey, a)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
