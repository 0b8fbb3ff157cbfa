package executor

import (
	"fmt"

	"github.com/eternis/fleetctl/internal/protocol"
)

// Selector maps an execution target to a concrete executor. The auto policy
// prefers SSH when it is available and falls back to local otherwise; an
// explicit choice never falls back.
type Selector struct {
	local Executor
	ssh   Executor
}

func NewSelector(local, ssh Executor) *Selector {
	return &Selector{local: local, ssh: ssh}
}

func (s *Selector) Select(target string) (Executor, error) {
	switch target {
	case protocol.TargetLocal:
		return s.local, nil
	case protocol.TargetSSH:
		if s.ssh == nil || !s.ssh.Available() {
			return nil, fmt.Errorf("%w: ssh", ErrExecutorUnavailable)
		}
		return s.ssh, nil
	case protocol.TargetAuto, "":
		if s.ssh != nil && s.ssh.Available() {
			return s.ssh, nil
		}
		return s.local, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, target)
	}
}
