package tlspipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/model"
)

// binaryName is looked up on $PATH when no well-known location has it.
const binaryName = "udptlspipe"

// searchPaths are tried in order before $PATH.
var searchPaths = []string{
	"/WireGate/udptlspipe",
	"/usr/local/bin/udptlspipe",
	"/usr/bin/udptlspipe",
}

// Process is a started child.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	// Wait blocks until the child exits. A non-zero exit is an error.
	Wait() error
}

// Starter spawns long-lived children.
type Starter interface {
	Start(ctx context.Context, cmd executor.Command) (Process, error)
}

// ExecStarter runs children with os/exec in their own process group.
type ExecStarter struct {
	logger zerolog.Logger
}

func NewExecStarter(logger zerolog.Logger) *ExecStarter {
	return &ExecStarter{logger: logger.With().Str("component", "tlspipe").Logger()}
}

func (s *ExecStarter) Start(_ context.Context, cmd executor.Command) (Process, error) {
	c := exec.Command(cmd.Name, cmd.Args...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	tail := &tailWriter{max: 512}
	c.Stderr = tail
	if err := c.Start(); err != nil {
		return nil, model.ToolFailure("start "+binaryName, "", err)
	}
	return &execProcess{cmd: c, stderr: tail}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailWriter
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err != nil {
		return model.ToolFailure(binaryName, p.stderr.String(), err)
	}
	return nil
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}

// locate returns the first executable regular file in paths, falling back to
// $PATH.
func locate(paths []string) (string, error) {
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil || !st.Mode().IsRegular() || st.Mode().Perm()&0o111 == 0 {
			continue
		}
		return p, nil
	}
	p, err := exec.LookPath(binaryName)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", model.ToolFailure("locate "+binaryName, "", fmt.Errorf("%s not installed: %w", binaryName, err))
		}
		return "", model.ToolFailure("locate "+binaryName, "", err)
	}
	return p, nil
}
