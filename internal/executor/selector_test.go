package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternis/fleetctl/internal/protocol"
)

type fakeExecutor struct {
	typ       string
	available bool
}

func (f *fakeExecutor) Type() string    { return f.typ }
func (f *fakeExecutor) Available() bool { return f.available }
func (f *fakeExecutor) Execute(context.Context, string, string, chan<- protocol.ProgressEnvelope) *protocol.ResultEnvelope {
	return nil
}

func TestSelectorExplicitLocal(t *testing.T) {
	local := &fakeExecutor{typ: "local", available: true}
	s := NewSelector(local, &fakeExecutor{typ: "ssh", available: true})

	got, err := s.Select(protocol.TargetLocal)
	require.NoError(t, err)
	assert.Same(t, Executor(local), got)
}

func TestSelectorExplicitSSH(t *testing.T) {
	sshExec := &fakeExecutor{typ: "ssh", available: true}
	s := NewSelector(&fakeExecutor{typ: "local", available: true}, sshExec)

	got, err := s.Select(protocol.TargetSSH)
	require.NoError(t, err)
	assert.Same(t, Executor(sshExec), got)
}

func TestSelectorExplicitSSHUnavailable(t *testing.T) {
	s := NewSelector(&fakeExecutor{typ: "local", available: true}, &fakeExecutor{typ: "ssh", available: false})

	_, err := s.Select(protocol.TargetSSH)
	assert.ErrorIs(t, err, ErrExecutorUnavailable)
}

func TestSelectorExplicitSSHNotConfigured(t *testing.T) {
	s := NewSelector(&fakeExecutor{typ: "local", available: true}, nil)

	_, err := s.Select(protocol.TargetSSH)
	assert.ErrorIs(t, err, ErrExecutorUnavailable)
}

func TestSelectorAutoPrefersSSH(t *testing.T) {
	sshExec := &fakeExecutor{typ: "ssh", available: true}
	s := NewSelector(&fakeExecutor{typ: "local", available: true}, sshExec)

	got, err := s.Select(protocol.TargetAuto)
	require.NoError(t, err)
	assert.Equal(t, "ssh", got.Type())
}

func TestSelectorAutoFallsBackToLocal(t *testing.T) {
	s := NewSelector(&fakeExecutor{typ: "local", available: true}, &fakeExecutor{typ: "ssh", available: false})

	got, err := s.Select(protocol.TargetAuto)
	require.NoError(t, err)
	assert.Equal(t, "local", got.Type())
}

func TestSelectorEmptyTargetMeansAuto(t *testing.T) {
	s := NewSelector(&fakeExecutor{typ: "local", available: true}, nil)

	got, err := s.Select("")
	require.NoError(t, err)
	assert.Equal(t, "local", got.Type())
}

func TestSelectorUnknownTarget(t *testing.T) {
	s := NewSelector(&fakeExecutor{typ: "local", available: true}, nil)

	_, err := s.Select("teleport")
	assert.ErrorIs(t, err, ErrUnknownExecutor)
}
