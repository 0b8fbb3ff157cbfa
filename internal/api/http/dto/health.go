package dto

type HealthResponse struct {
	Status          string `json:"status"`
	AgentsConnected int    `json:"agents_connected"`
}
