// Package auth issues and verifies the bearer tokens used by the HTTP API and
// the websocket handshake, and hashes account passwords.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed, expired, or mis-typed tokens.
var ErrInvalidToken = errors.New("invalid token")

const (
	// TypeAccess marks short-lived API tokens.
	TypeAccess = "access"
	// TypeRefresh marks long-lived tokens exchangeable for access tokens.
	TypeRefresh = "refresh"
)

// Claims carries the account identity inside a signed token.
type Claims struct {
	jwt.RegisteredClaims
	AccountID int64  `json:"aid"`
	DeviceID  string `json:"did,omitempty"`
	TokenType string `json:"typ"`
}

// Manager signs and verifies tokens with a shared HMAC secret.
type Manager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewManager creates a token manager.
func NewManager(secret []byte, accessTTL, refreshTTL time.Duration) *Manager {
	return &Manager{secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// IssuePair mints an access and refresh token for an account.
func (m *Manager) IssuePair(accountID int64, deviceID string) (access, refresh string, err error) {
	access, err = m.issue(accountID, deviceID, TypeAccess, m.accessTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err = m.issue(accountID, deviceID, TypeRefresh, m.refreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (m *Manager) issue(accountID int64, deviceID, tokenType string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		AccountID: accountID,
		DeviceID:  deviceID,
		TokenType: tokenType,
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and checks that it is valid and of the wanted type.
func (m *Manager) Verify(tokenString, wantType string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
