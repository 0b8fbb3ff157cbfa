package executor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/eternis/fleetctl/internal/protocol"
)

// Progress cadence: emit after this many lines or bytes of new output,
// whichever comes first. Bounds callback overhead without going silent on
// chatty commands.
const (
	progressLineInterval = 20
	progressByteInterval = 8 * 1024
)

// Local runs commands through the host shell and streams their output
// incrementally. The shell resolves missing binaries itself, so "command not
// found" surfaces as the shell's real exit code (127), not a spawn error.
type Local struct {
	shell  string
	logger *slog.Logger
}

func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{shell: "/bin/sh", logger: logger}
}

func (l *Local) Type() string { return "local" }

func (l *Local) Available() bool { return true }

func (l *Local) Execute(ctx context.Context, commandID, command string, progress chan<- protocol.ProgressEnvelope) *protocol.ResultEnvelope {
	hostname, _ := os.Hostname()

	l.logger.Info("executing local command", "command_id", commandID, "command", command)
	sendProgress(progress, protocol.ProgressEnvelope{
		CommandID: commandID,
		Status:    "running",
		Progress:  0,
		Message:   "executing command: " + command,
	})

	cmd := exec.CommandContext(ctx, l.shell, "-c", command)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return failureResult(commandID, command, l.Type(), hostname, "open stdout pipe: "+err.Error())
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return failureResult(commandID, command, l.Type(), hostname, "open stderr pipe: "+err.Error())
	}

	if err := cmd.Start(); err != nil {
		return failureResult(commandID, command, l.Type(), hostname, "start command: "+err.Error())
	}

	var stdout, stderr strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go l.drain(commandID, stdoutPipe, &stdout, progress, &wg, false)
	go l.drain(commandID, stderrPipe, &stderr, progress, &wg, true)
	wg.Wait()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return failureResult(commandID, command, l.Type(), hostname, "wait for command: "+err.Error())
		}
	}

	sendProgress(progress, protocol.ProgressEnvelope{
		CommandID: commandID,
		Status:    "completed",
		Progress:  100,
		Message:   "command completed",
	})
	l.logger.Info("local command finished", "command_id", commandID, "exit_code", exitCode)

	return &protocol.ResultEnvelope{
		CommandID:     commandID,
		Command:       command,
		ExitCode:      exitCode,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		ExecutionType: l.Type(),
		Target:        hostname,
		Status:        statusForExit(exitCode),
		Timestamp:     time.Now().UTC(),
	}
}

// drain copies one output stream into buf, emitting a progress event at a
// bounded cadence rather than per line. The pipe must be consumed to EOF no
// matter what the stream contains; ReadString keeps pulling from the pipe even
// when a single line outgrows the read buffer, so the child never blocks on a
// full pipe.
func (l *Local) drain(commandID string, r io.Reader, buf *strings.Builder, progress chan<- protocol.ProgressEnvelope, wg *sync.WaitGroup, isStderr bool) {
	defer wg.Done()

	reader := bufio.NewReaderSize(r, 64*1024)

	lines := 0
	bytes := 0
	flush := func() {
		env := protocol.ProgressEnvelope{
			CommandID: commandID,
			Status:    "running",
			Progress:  50,
			Message:   "command in progress",
		}
		if isStderr {
			env.Stderr = buf.String()
		} else {
			env.Stdout = buf.String()
		}
		sendProgress(progress, env)
		lines = 0
		bytes = 0
	}

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			buf.WriteString(line)
			bytes += len(line)
			if strings.HasSuffix(line, "\n") {
				lines++
			}
			if lines >= progressLineInterval || bytes >= progressByteInterval {
				flush()
			}
		}
		if err != nil {
			break
		}
	}
	if lines > 0 || bytes > 0 {
		flush()
	}
}
