package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rl1809/ministore/internal/core/domain"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   domain.Role
}

// Actor converts the identity into the form the order rules work with.
func (i Identity) Actor() domain.Actor {
	return domain.Actor{UserID: i.UserID, Role: i.Role}
}

// Claims is the bearer token payload issued by the storefront's auth service.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	clock  func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), clock: time.Now}
}

// Verify parses a raw token (with or without the "Bearer " prefix).
func (v *Verifier) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return Identity{UserID: userID, Role: parseRole(claims.Role)}, nil
}

// Issue signs a token for identity. Used by the stress tool and tests.
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := v.clock()
	claims := Claims{
		UserID: identity.UserID,
		Role:   string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func parseRole(raw string) domain.Role {
	switch role := domain.Role(strings.ToUpper(strings.TrimSpace(raw))); role {
	case domain.RoleAdmin, domain.RoleStaff:
		return role
	default:
		return domain.RoleCustomer
	}
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// FromContext returns the identity stored by the transport middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok && identity.UserID != ""
}
