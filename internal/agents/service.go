// Package agents persists the durable view of the fleet. The in-memory
// registry is authoritative for live routing; this service is the record that
// survives controller restarts and feeds the list/detail API.
package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eternis/fleetctl/internal/protocol"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrInvalidAgentID = errors.New("invalid agent ID")
)

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// UpsertAgent records a (re)registration. A known id refreshes the connection
// metadata in place; registered_at is only set on first sight.
func (s *Service) UpsertAgent(ctx context.Context, agentID string, info protocol.ConnectionInfo) error {
	parsed, err := uuid.Parse(agentID)
	if err != nil {
		return ErrInvalidAgentID
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, hostname, platform, version, status, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, 'connected', now(), now())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			platform = EXCLUDED.platform,
			version = EXCLUDED.version,
			status = 'connected',
			last_seen_at = now()`,
		parsed, info.Hostname, info.Platform, info.Version)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// UpdateLastSeen refreshes the agent's last seen timestamp.
func (s *Service) UpdateLastSeen(ctx context.Context, agentID string, seen time.Time) error {
	parsed, err := uuid.Parse(agentID)
	if err != nil {
		return ErrInvalidAgentID
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE agents SET last_seen_at = $2 WHERE id = $1`,
		parsed, seen); err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

// UpdateStatus updates the agent's persisted status.
func (s *Service) UpdateStatus(ctx context.Context, agentID string, status string) error {
	parsed, err := uuid.Parse(agentID)
	if err != nil {
		return ErrInvalidAgentID
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2 WHERE id = $1`,
		parsed, status); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// GetAgentByID retrieves an agent by ID.
func (s *Service) GetAgentByID(ctx context.Context, agentID string) (*Agent, error) {
	parsed, err := uuid.Parse(agentID)
	if err != nil {
		return nil, ErrInvalidAgentID
	}

	var a Agent
	var id uuid.UUID
	err = s.pool.QueryRow(ctx, `
		SELECT id, hostname, platform, version, status, registered_at, last_seen_at
		FROM agents WHERE id = $1`, parsed).
		Scan(&id, &a.Hostname, &a.Platform, &a.Version, &a.Status, &a.RegisteredAt, &a.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.ID = id.String()
	return &a, nil
}

// ListAgents retrieves every known agent, most recently seen first.
func (s *Service) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, platform, version, status, registered_at, last_seen_at
		FROM agents ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []Agent
	for rows.Next() {
		var a Agent
		var id uuid.UUID
		if err := rows.Scan(&id, &a.Hostname, &a.Platform, &a.Version, &a.Status, &a.RegisteredAt, &a.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.ID = id.String()
		result = append(result, a)
	}
	return result, rows.Err()
}
