// Package executortest provides a recording Runner for tests.
package executortest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/model"
)

// Call is one recorded invocation.
type Call struct {
	Name  string
	Args  []string
	Stdin []byte
}

func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Response scripts the outcome of matching calls.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Delay    time.Duration
	Func     func(cmd executor.Command) (*executor.Result, error)
}

type handler struct {
	name   string
	prefix []string
	resp   *Response
}

// Runner records calls and answers from scripted responses. Calls that match
// nothing succeed with empty output. Argv is checked against the default
// allow-list so tests catch commands production would reject.
type Runner struct {
	mu       sync.Mutex
	calls    []Call
	handlers []handler
	// SkipValidation disables the allow-list check.
	SkipValidation bool
}

func New() *Runner {
	return &Runner{}
}

// On registers a response for calls to name whose args start with prefix.
// Later registrations win.
func (r *Runner) On(name string, prefix ...string) *Response {
	resp := &Response{}
	r.mu.Lock()
	r.handlers = append(r.handlers, handler{name: name, prefix: prefix, resp: resp})
	r.mu.Unlock()
	return resp
}

// Fail makes matching calls exit 1 with stderr.
func (r *Runner) Fail(stderr, name string, prefix ...string) {
	resp := r.On(name, prefix...)
	resp.ExitCode = 1
	resp.Stderr = stderr
}

func (r *Runner) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if !r.SkipValidation {
		if err := executor.Validate(cmd); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{Name: cmd.Name, Args: slices.Clone(cmd.Args), Stdin: cmd.Stdin})
	var resp *Response
	for i := len(r.handlers) - 1; i >= 0; i-- {
		h := r.handlers[i]
		if h.name == cmd.Name && len(cmd.Args) >= len(h.prefix) && slices.Equal(cmd.Args[:len(h.prefix)], h.prefix) {
			resp = h.resp
			break
		}
	}
	r.mu.Unlock()

	if resp == nil {
		return &executor.Result{}, nil
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return &executor.Result{ExitCode: -1}, model.ToolFailure(cmd.String(), "", ctx.Err())
		}
	}
	if resp.Func != nil {
		return resp.Func(cmd)
	}
	res := &executor.Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}
	if resp.Err != nil {
		return res, resp.Err
	}
	if resp.ExitCode != 0 {
		return res, model.ToolFailure(cmd.String(), resp.Stderr, fmt.Errorf("exit status %d", resp.ExitCode))
	}
	return res, nil
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// CallStrings returns recorded calls as space-joined argv.
func (r *Runner) CallStrings() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// CallsTo returns calls to name whose args start with prefix.
func (r *Runner) CallsTo(name string, prefix ...string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Name == name && len(c.Args) >= len(prefix) && slices.Equal(c.Args[:len(prefix)], prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls but keeps handlers.
func (r *Runner) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// ErrInjected is a convenience error for scripted failures.
var ErrInjected = errors.New("injected failure")
