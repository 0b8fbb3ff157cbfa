// Package commands is the dispatch history store. It implements the
// dispatcher's Recorder so every command, result, and failure lands in
// PostgreSQL without the dispatch path waiting on the database.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eternis/fleetctl/internal/protocol"
)

var (
	ErrCommandNotFound  = errors.New("command not found")
	ErrInvalidCommandID = errors.New("invalid command ID")
)

type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewService(pool *pgxpool.Pool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: pool, logger: logger}
}

// RecordDispatch inserts the pending command row. Recorder errors never fail
// a dispatch; they are logged and dropped.
func (s *Service) RecordDispatch(ctx context.Context, agentID string, env protocol.CommandEnvelope) {
	commandID, err := uuid.Parse(env.CommandID)
	if err != nil {
		return
	}
	parsedAgent, err := uuid.Parse(agentID)
	if err != nil {
		return
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO commands (id, agent_id, requester_id, command, execution_target, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		commandID, parsedAgent, env.RequesterID, env.Command, env.ExecutionTarget, StatusPending); err != nil {
		s.logger.Error("failed to record dispatch", "command_id", env.CommandID, "error", err)
	}
}

// RecordResult marks the command completed with its terminal result.
func (s *Service) RecordResult(ctx context.Context, res protocol.ResultEnvelope) {
	commandID, err := uuid.Parse(res.CommandID)
	if err != nil {
		return
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE commands SET
			status = $2,
			exit_code = $3,
			stdout = $4,
			stderr = $5,
			execution_type = $6,
			target = $7,
			completed_at = now()
		WHERE id = $1`,
		commandID, StatusCompleted, res.ExitCode, res.Stdout, res.Stderr, res.ExecutionType, res.Target); err != nil {
		s.logger.Error("failed to record result", "command_id", res.CommandID, "error", err)
	}
}

// RecordFailure marks the command failed with the reason the dispatcher gave
// up (timeout, agent drop, cancellation).
func (s *Service) RecordFailure(ctx context.Context, commandID string, reason string) {
	parsed, err := uuid.Parse(commandID)
	if err != nil {
		return
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE commands SET
			status = $2,
			failure_reason = $3,
			completed_at = now()
		WHERE id = $1 AND status = $4`,
		parsed, StatusFailed, reason, StatusPending); err != nil {
		s.logger.Error("failed to record failure", "command_id", commandID, "error", err)
	}
}

// GetByID retrieves one command record.
func (s *Service) GetByID(ctx context.Context, commandID string) (*Command, error) {
	parsed, err := uuid.Parse(commandID)
	if err != nil {
		return nil, ErrInvalidCommandID
	}

	var c Command
	var id, agentID uuid.UUID
	err = s.pool.QueryRow(ctx, `
		SELECT id, agent_id, requester_id, command, execution_target, status,
		       exit_code, stdout, stderr, execution_type, target, failure_reason,
		       dispatched_at, completed_at
		FROM commands WHERE id = $1`, parsed).
		Scan(&id, &agentID, &c.RequesterID, &c.Command, &c.ExecutionTarget, &c.Status,
			&c.ExitCode, &c.Stdout, &c.Stderr, &c.ExecutionType, &c.Target, &c.FailureReason,
			&c.DispatchedAt, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("get command: %w", err)
	}
	c.ID = id.String()
	c.AgentID = agentID.String()
	return &c, nil
}

// List retrieves command history, newest first. agentID filters when non-empty.
func (s *Service) List(ctx context.Context, agentID string, limit, offset int) ([]Command, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, agent_id, requester_id, command, execution_target, status,
		       exit_code, stdout, stderr, execution_type, target, failure_reason,
		       dispatched_at, completed_at
		FROM commands`
	args := []any{}
	if agentID != "" {
		parsed, err := uuid.Parse(agentID)
		if err != nil {
			return nil, fmt.Errorf("invalid agent ID: %q", agentID)
		}
		query += ` WHERE agent_id = $1 ORDER BY dispatched_at DESC LIMIT $2 OFFSET $3`
		args = append(args, parsed, limit, offset)
	} else {
		query += ` ORDER BY dispatched_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var result []Command
	for rows.Next() {
		var c Command
		var id, agent uuid.UUID
		if err := rows.Scan(&id, &agent, &c.RequesterID, &c.Command, &c.ExecutionTarget, &c.Status,
			&c.ExitCode, &c.Stdout, &c.Stderr, &c.ExecutionType, &c.Target, &c.FailureReason,
			&c.DispatchedAt, &c.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		c.ID = id.String()
		c.AgentID = agent.String()
		result = append(result, c)
	}
	return result, rows.Err()
}
