package dto

import "time"

type AgentResponse struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Hostname      string    `json:"hostname"`
	Platform      string    `json:"platform"`
	Version       string    `json:"version,omitempty"`
	Capabilities  []string  `json:"capabilities"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}
