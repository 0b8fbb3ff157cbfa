package commands

import (
	"time"
)

// Statuses a persisted command moves through. Pending until a terminal
// result or failure is recorded.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Command struct {
	ID              string
	AgentID         string
	RequesterID     string
	Command         string
	ExecutionTarget string
	Status          string
	ExitCode        *int
	Stdout          string
	Stderr          string
	ExecutionType   string
	Target          string
	FailureReason   string
	DispatchedAt    time.Time
	CompletedAt     *time.Time
}
