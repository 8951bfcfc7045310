package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "equiptrack-gateway"

// Claims are carried by access tokens.
type Claims struct {
	Email        string   `json:"email"`
	Role         string   `json:"role,omitempty"`
	UserMetadata Metadata `json:"user_metadata,omitempty"`
	SessionID    string   `json:"sid"`
	jwt.RegisteredClaims
}

// Identity rebuilds the principal described by the claims.
func (c *Claims) Identity() Identity {
	return Identity{ID: c.Subject, Email: c.Email, Role: c.Role, Metadata: c.UserMetadata}
}

// Tokens issues and verifies HS256 access tokens.
type Tokens struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokens constructs a Tokens signer.
func NewTokens(secret string, accessTTL time.Duration) *Tokens {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &Tokens{secret: []byte(secret), accessTTL: accessTTL, now: time.Now}
}

// Issue signs an access token for identity bound to sessionID.
func (t *Tokens) Issue(identity Identity, sessionID string) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.accessTTL)
	claims := &Claims{
		Email:        identity.Email,
		Role:         identity.Role,
		UserMetadata: identity.Metadata,
		SessionID:    sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("gateway: sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates an access token.
func (t *Tokens) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return claims, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidGrant
	}
	return claims, nil
}
