// Package identity resolves handshake credentials into a chat user.
package identity

import (
	"context"
	"errors"
	"strings"

	"chatroom-service/internal/models"
)

var (
	// ErrInvalidToken is returned when a credential cannot be verified.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for a well-formed token past its expiry.
	ErrExpiredToken = errors.New("token has expired")
	// ErrMissingToken is returned when no credential was presented.
	ErrMissingToken = errors.New("missing token")
)

// Identity is the verified user behind a connection.
type Identity struct {
	UserID       int    `json:"userId"`
	Username     string `json:"username"`
	Name         string `json:"name,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// Sender returns the profile attached to messages this user posts.
func (i Identity) Sender() models.Sender {
	return models.Sender{ID: i.UserID, Username: i.Username, Name: i.Name, ProfileImage: i.ProfileImage}
}

// Provider verifies a bearer token.
type Provider interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// BearerToken extracts the token from an Authorization header value.
// A bare token without the scheme is accepted as well.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return ""
}
