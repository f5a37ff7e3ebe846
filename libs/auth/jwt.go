package auth

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingRole  = errors.New("missing role")
)

// Claims carried by access tokens issued for marketplace users.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// UserID parses the subject as the acting user's id.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// Verifier checks HS256 access tokens against a secret, an optional issuer and an optional role.
type Verifier struct {
	secret []byte
	issuer string
	role   string
	leeway time.Duration
}

type VerifierOption func(*Verifier)

func WithIssuer(issuer string) VerifierOption { return func(v *Verifier) { v.issuer = issuer } }

func WithRole(role string) VerifierOption { return func(v *Verifier) { v.role = role } }

func WithLeeway(d time.Duration) VerifierOption { return func(v *Verifier) { v.leeway = d } }

func NewVerifier(secret []byte, opts ...VerifierOption) *Verifier {
	v := &Verifier{secret: secret, leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns ErrMissingRole for a well-formed token lacking the required role and
// ErrInvalidToken for everything else.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, ErrInvalidToken
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if v.role != "" && !claims.HasRole(v.role) {
		return nil, ErrMissingRole
	}
	return claims, nil
}

func ExtractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
