package dto

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=255"`
	Password string `json:"password" binding:"required,min=8"`
}

type RegisterResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// AgentTokenRequest is the agent credential exchange: the shared fleet key
// plus the agent's durable id (empty on first ever connect).
type AgentTokenRequest struct {
	AgentKey string `json:"agent_key" binding:"required"`
	AgentID  string `json:"agent_id"`
}

type AgentTokenResponse struct {
	Token string `json:"token"`
}
