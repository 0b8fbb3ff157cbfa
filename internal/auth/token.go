package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in token claims. Agents and human users share the signing
// secret but never each other's role.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleAgent = "agent"
)

type Config struct {
	Secret string
	TTL    time.Duration

	// AgentKey is the shared credential agents exchange for short-lived
	// connection tokens.
	AgentKey string

	// AgentTokenTTL bounds how long an issued agent token stays valid. The
	// agent requests a fresh one on every reconnect.
	AgentTokenTTL time.Duration
}

type Claims struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken issues a signed token for a user session.
func GenerateToken(config Config, userID, username, role string) (string, error) {
	ttl := config.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return sign(config.Secret, Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
}

// GenerateAgentToken issues the short-lived token an agent presents when
// opening its websocket. subject is the agent's durable id, empty on the very
// first connect.
func GenerateAgentToken(config Config, subject string) (string, error) {
	ttl := config.AgentTokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return sign(config.Secret, Claims{
		Role: RoleAgent,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
}

func sign(secret string, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token, returning its claims.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
