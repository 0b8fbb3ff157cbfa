// Package auth covers both credential flows: user accounts logging in with a
// password, and agents trading the shared fleet key for a short-lived
// connection token.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eternis/fleetctl/internal/users"
)

var (
	ErrUsernameExists     = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidAgentKey    = errors.New("invalid agent key")
)

type RegisterResult struct {
	ID       string
	Username string
	Role     string
}

type Service struct {
	users  *users.Service
	config Config
}

func NewService(userService *users.Service, config Config) *Service {
	return &Service{users: userService, config: config}
}

func (s *Service) Register(ctx context.Context, username, password string) (RegisterResult, error) {
	hash, err := users.HashPassword(password)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.CreateUser(ctx, username, hash, RoleUser)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return RegisterResult{}, ErrUsernameExists
		}
		return RegisterResult{}, err
	}

	return RegisterResult{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
	}, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if !users.CheckPassword(password, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.config, user.ID, user.Username, user.Role)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// IssueAgentToken checks the presented fleet key and returns a short-lived
// connection token. agentID may be empty on an agent's very first connect.
func (s *Service) IssueAgentToken(agentKey, agentID string) (string, error) {
	if s.config.AgentKey == "" {
		return "", errors.New("agent key not configured")
	}
	if subtle.ConstantTimeCompare([]byte(agentKey), []byte(s.config.AgentKey)) != 1 {
		return "", ErrInvalidAgentKey
	}
	return GenerateAgentToken(s.config, agentID)
}

// ValidateAgentToken verifies a connection token and returns its subject. A
// valid user token is rejected here; only the agent role may open the agent
// websocket.
func (s *Service) ValidateAgentToken(token string) (string, error) {
	claims, err := ValidateToken(s.config.Secret, token)
	if err != nil {
		return "", err
	}
	if claims.Role != RoleAgent {
		return "", fmt.Errorf("token role %q may not connect as an agent", claims.Role)
	}
	return claims.Subject, nil
}
