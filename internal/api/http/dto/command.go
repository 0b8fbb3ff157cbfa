package dto

import "time"

type DispatchCommandRequest struct {
	AgentID         string `json:"agent_id" binding:"required"`
	Command         string `json:"command" binding:"required"`
	ExecutionTarget string `json:"execution_target" binding:"omitempty,oneof=auto local ssh"`
	TimeoutSeconds  int    `json:"timeout_seconds" binding:"omitempty,min=1,max=3600"`
}

type CommandResultResponse struct {
	CommandID     string    `json:"command_id"`
	AgentID       string    `json:"agent_id"`
	Command       string    `json:"command"`
	ExitCode      int       `json:"exit_code"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	ExecutionType string    `json:"execution_type"`
	Target        string    `json:"target"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

type CommandRecordResponse struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	RequesterID     string     `json:"requester_id,omitempty"`
	Command         string     `json:"command"`
	ExecutionTarget string     `json:"execution_target"`
	Status          string     `json:"status"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Stdout          string     `json:"stdout,omitempty"`
	Stderr          string     `json:"stderr,omitempty"`
	ExecutionType   string     `json:"execution_type,omitempty"`
	Target          string     `json:"target,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	DispatchedAt    time.Time  `json:"dispatched_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type ListCommandsResponse struct {
	Commands []CommandRecordResponse `json:"commands"`
}
