package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/model"
)

const (
	// DefaultTimeout applies when a command sets none.
	DefaultTimeout = 30 * time.Second
	// StatusTimeout is used for show-type queries.
	StatusTimeout = 5 * time.Second
	// KillGrace is how long a terminated child gets before SIGKILL.
	KillGrace = 5 * time.Second
)

// Command is one external invocation. Args are passed as argv, never through a shell.
type Command struct {
	Name    string
	Args    []string
	Stdin   []byte
	Timeout time.Duration
	Dir     string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a command that ran.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner runs validated commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Executor is the production Runner.
type Executor struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	policies map[string]Policy
	grace    time.Duration

	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
}

// New creates an executor with the default allow-list.
func New(logger zerolog.Logger, reg prometheus.Registerer) *Executor {
	f := promauto.With(reg)
	return &Executor{
		logger:   logger.With().Str("component", "executor").Logger(),
		policies: DefaultPolicies(),
		grace:    KillGrace,
		commandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_executor_commands_total",
			Help: "External commands run, by command and result",
		}, []string{"command", "result"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wiregate_executor_command_duration_seconds",
			Help:    "Duration of external commands",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
}

// Allow registers or replaces the policy for a binary.
func (e *Executor) Allow(name string, p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[name] = p
}

// SetGrace overrides the SIGTERM to SIGKILL grace period.
func (e *Executor) SetGrace(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grace = d
}

// Validate checks cmd against the executor's allow-list without running it.
func (e *Executor) Validate(cmd Command) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return validate(e.policies, cmd)
}

// Validate checks cmd against the default allow-list.
func Validate(cmd Command) error {
	return validate(DefaultPolicies(), cmd)
}

// Run validates and executes cmd. A non-zero exit returns both the result and
// an ExternalToolFailure.
func (e *Executor) Run(ctx context.Context, cmd Command) (*Result, error) {
	if err := e.Validate(cmd); err != nil {
		return nil, err
	}
	e.mu.RLock()
	grace := e.grace
	e.mu.RUnlock()

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	label := filepath.Base(cmd.Name)
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = grace
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	e.commandDuration.WithLabelValues(label).Observe(res.Duration.Seconds())

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		e.commandsTotal.WithLabelValues(label, "timeout").Inc()
		e.logger.Warn().Str("command", cmd.String()).Dur("timeout", timeout).Msg("command timed out")
		return res, model.ToolFailure(cmd.String(), res.Stderr, context.DeadlineExceeded)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		e.commandsTotal.WithLabelValues(label, "failure").Inc()
		e.logger.Debug().Str("command", cmd.String()).Int("exit_code", res.ExitCode).Str("stderr", res.Stderr).Msg("command failed")
		return res, model.ToolFailure(cmd.String(), res.Stderr, err)
	}

	e.commandsTotal.WithLabelValues(label, "success").Inc()
	return res, nil
}

// Output runs name with args and returns stdout.
func Output(ctx context.Context, r Runner, name string, args ...string) (string, error) {
	res, err := r.Run(ctx, Command{Name: name, Args: args})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Status runs a show-type query with the short status timeout.
func Status(ctx context.Context, r Runner, name string, args ...string) (string, error) {
	res, err := r.Run(ctx, Command{Name: name, Args: args, Timeout: StatusTimeout})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Do runs name with args and discards output.
func Do(ctx context.Context, r Runner, name string, args ...string) error {
	_, err := r.Run(ctx, Command{Name: name, Args: args})
	return err
}

// NotFound reports whether a tool failure says the object did not exist.
func NotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *model.Error
	if !errors.As(err, &e) || e.Kind != model.KindExternalToolFailure {
		return false
	}
	msg := strings.ToLower(e.Msg)
	for _, s := range []string{"cannot find", "no such file", "does not exist", "not found", "no such device"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
