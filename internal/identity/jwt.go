package identity

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by chat access tokens.
type Claims struct {
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	Name         string `json:"name,omitempty"`
	ProfileImage string `json:"profile_image,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HS256 tokens signed with a shared secret.
type JWTProvider struct {
	secret []byte
	issuer string
}

// NewJWTProvider returns a provider for tokens signed with secret. An empty
// issuer accepts any issuer.
func NewJWTProvider(secret, issuer string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret), issuer: issuer}
}

// Resolve implements Provider.
func (p *JWTProvider) Resolve(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return p.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		if id, err := strconv.Atoi(claims.Subject); err == nil {
			userID = id
		}
	}
	if userID <= 0 {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:       userID,
		Username:     claims.Username,
		Name:         claims.Name,
		ProfileImage: claims.ProfileImage,
	}, nil
}

// Issue signs a token for id. It is used by tooling and tests.
func (p *JWTProvider) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:       id.UserID,
		Username:     id.Username,
		Name:         id.Name,
		ProfileImage: id.ProfileImage,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   strconv.Itoa(id.UserID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

var _ Provider = (*JWTProvider)(nil)
