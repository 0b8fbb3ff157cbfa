package agents

import (
	"time"
)

type Agent struct {
	ID           string
	Hostname     string
	Platform     string
	Version      string
	Status       string
	RegisteredAt time.Time
	LastSeenAt   time.Time
}
