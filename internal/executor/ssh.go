package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/eternis/fleetctl/internal/protocol"
)

// SSHConfig holds the connection parameters for the SSH executor.
type SSHConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	KeyPath  string
	Timeout  time.Duration
}

// SSH runs commands on a remote host over a lazily established, reused SSH
// connection. Key authentication is always tried first when a key path is
// configured; password authentication is offered only when a password is
// configured. A broken connection gets exactly one reconnect attempt per
// command, never more.
type SSH struct {
	cfg    SSHConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSH(cfg SSHConfig, logger *slog.Logger) *SSH {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SSH{cfg: cfg, logger: logger}
}

func (s *SSH) Type() string { return "ssh" }

func (s *SSH) Available() bool { return s.cfg.Enabled && s.cfg.Host != "" }

func (s *SSH) target() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// authMethods builds the ordered authentication chain and, for observability
// and tests, the names of the methods in the order they will be attempted.
func (s *SSH) authMethods() ([]ssh.AuthMethod, []string, error) {
	var methods []ssh.AuthMethod
	var names []string

	if s.cfg.KeyPath != "" {
		keyData, err := os.ReadFile(s.cfg.KeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read ssh key %s: %w", s.cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, nil, fmt.Errorf("parse ssh key %s: %w", s.cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
		names = append(names, "publickey")
	}

	if s.cfg.Password != "" {
		methods = append(methods, ssh.Password(s.cfg.Password))
		names = append(names, "password")
	}

	if len(methods) == 0 {
		return nil, nil, fmt.Errorf("no ssh authentication configured for %s", s.target())
	}
	return methods, names, nil
}

// connect dials a fresh connection, replacing any cached client.
func (s *SSH) connect() error {
	methods, names, err := s.authMethods()
	if err != nil {
		return err
	}

	s.logger.Info("connecting to ssh target", "target", s.target(), "auth_order", strings.Join(names, ","))

	client, err := ssh.Dial("tcp", s.target(), &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.target(), err)
	}

	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = client
	return nil
}

// session returns a session on the cached connection, reconnecting once if
// the connection is missing or broken.
func (s *SSH) session() (*ssh.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		sess, err := s.client.NewSession()
		if err == nil {
			return sess, nil
		}
		s.logger.Warn("ssh connection broken, reconnecting once", "target", s.target(), "error", err)
		_ = s.client.Close()
		s.client = nil
	}

	if err := s.connect(); err != nil {
		return nil, err
	}
	return s.client.NewSession()
}

func (s *SSH) Execute(ctx context.Context, commandID, command string, progress chan<- protocol.ProgressEnvelope) *protocol.ResultEnvelope {
	if !s.Available() {
		return failureResult(commandID, command, s.Type(), s.target(), "ssh executor is not available")
	}

	s.logger.Info("executing ssh command", "command_id", commandID, "target", s.target(), "command", command)
	sendProgress(progress, protocol.ProgressEnvelope{
		CommandID: commandID,
		Status:    "running",
		Progress:  0,
		Message:   "executing command: " + command,
	})

	sess, err := s.session()
	if err != nil {
		return failureResult(commandID, command, s.Type(), s.target(), "connect: "+err.Error())
	}
	defer sess.Close()

	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		return failureResult(commandID, command, s.Type(), s.target(), "open stdout pipe: "+err.Error())
	}
	stderrPipe, err := sess.StderrPipe()
	if err != nil {
		return failureResult(commandID, command, s.Type(), s.target(), "open stderr pipe: "+err.Error())
	}

	if err := sess.Start(command); err != nil {
		return failureResult(commandID, command, s.Type(), s.target(), "start command: "+err.Error())
	}

	sendProgress(progress, protocol.ProgressEnvelope{
		CommandID: commandID,
		Status:    "running",
		Progress:  20,
		Message:   "process started",
	})

	done := make(chan struct{})
	var stdout, stderr strings.Builder
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go s.drain(commandID, stdoutPipe, &stdout, progress, &wg, false)
		go s.drain(commandID, stderrPipe, &stderr, progress, &wg, true)
		wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		<-done
	}

	exitCode := 0
	if err := sess.Wait(); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			return failureResult(commandID, command, s.Type(), s.target(), "wait for command: "+err.Error())
		}
	}

	sendProgress(progress, protocol.ProgressEnvelope{
		CommandID: commandID,
		Status:    "completed",
		Progress:  100,
		Message:   fmt.Sprintf("command completed with exit code %d", exitCode),
	})
	s.logger.Info("ssh command finished", "command_id", commandID, "exit_code", exitCode)

	return &protocol.ResultEnvelope{
		CommandID:     commandID,
		Command:       command,
		ExitCode:      exitCode,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		ExecutionType: s.Type(),
		Target:        s.target(),
		Status:        statusForExit(exitCode),
		Timestamp:     time.Now().UTC(),
	}
}

func (s *SSH) drain(commandID string, r io.Reader, buf *strings.Builder, progress chan<- protocol.ProgressEnvelope, wg *sync.WaitGroup, isStderr bool) {
	defer wg.Done()

	chunk := make([]byte, 4096)
	pending := 0
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			pending += n
			if pending >= progressByteInterval {
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
				pending = 0
			}
		}
		if err != nil {
			return
		}
	}
}

// Close tears down the cached connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
