// Package auth issues and validates viewer access tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gosuda/rewind/internal/domain"
)

// Claims is the payload of a viewer token. Subject and UserID always carry
// the same user id.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"uid"`
	TokenType string `json:"typ"`
}

const (
	issuer          = "rewind"
	tokenTypeViewer = "viewer"
	clockSkew       = 30 * time.Second
)

// ErrInvalidToken is returned for any token a viewer cannot be read from.
var ErrInvalidToken = errors.New("auth: invalid or expired token") //nolint:gochecknoglobals // sentinel error

// Viewer returns the authenticated viewer the claims describe.
func (c *Claims) Viewer() domain.Viewer {
	return domain.Viewer{UserID: c.UserID, Authenticated: true}
}

// IssueViewerToken signs a token for userID that expires after ttl.
func IssueViewerToken(secret string, userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	uid := userID.String()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   uid,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:    uid,
		TokenType: tokenTypeViewer,
	}).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueViewerToken: %w", err)
	}
	return signed, nil
}

// ValidateToken checks the signature, issuer and expiry of a viewer token
// and returns its claims.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("auth.ValidateToken: %w: %w", ErrInvalidToken, err)
	}

	if claims.TokenType != tokenTypeViewer || claims.Subject != claims.UserID {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}
	if _, err = uuid.Parse(claims.UserID); err != nil {
		return nil, fmt.Errorf("auth.ValidateToken: user id: %w", ErrInvalidToken)
	}
	return claims, nil
}
