// Package tlspipe supervises one udptlspipe child per tunnel. The child
// wraps the tunnel's UDP port in TLS so it survives networks that drop UDP.
package tlspipe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/model"
)

// State is a child's lifecycle position.
type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

var allStates = []State{StateAbsent, StateStarting, StateRunning, StateStopping, StateFailed}

const (
	defaultGrace      = 5 * time.Second
	defaultFailWindow = 5 * time.Second
)

// Status describes one supervised child.
type Status struct {
	Tunnel    string    `json:"configuration"`
	State     State     `json:"state"`
	Pid       int       `json:"pid,omitempty"`
	TLSPort   int       `json:"tls_port"`
	WGPort    int       `json:"wg_port"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// RouteStore persists routes. Passwords are stored encrypted.
type RouteStore interface {
	UpsertTLSPipeRoute(ctx context.Context, r *model.TLSPipeRoute) error
	ListTLSPipeRoutes(ctx context.Context) ([]model.TLSPipeRoute, error)
	DeleteTLSPipeRoute(ctx context.Context, tunnel string) error
}

// Ports reports a tunnel's WireGuard listen port.
type Ports interface {
	ListenPort(tunnel string) (int, error)
}

type Options struct {
	Store     RouteStore
	Ports     Ports
	Starter   Starter
	MasterKey []byte
	// Binary skips the search when set.
	Binary     string
	Grace      time.Duration
	FailWindow time.Duration
	Logger     zerolog.Logger
	Registerer prometheus.Registerer
}

type child struct {
	route     model.TLSPipeRoute
	fp        string
	state     State
	proc      Process
	done      chan struct{}
	startedAt time.Time
	lastErr   string
	// gen guards timers and waiters from acting on a replaced process.
	gen int
}

// Supervisor owns the udptlspipe children. Operations on children are
// serialised; Status never waits for them.
type Supervisor struct {
	store      RouteStore
	ports      Ports
	starter    Starter
	masterKey  []byte
	binary     string
	grace      time.Duration
	failWindow time.Duration
	logger     zerolog.Logger
	children   *prometheus.GaugeVec

	ops sync.Mutex

	mu    sync.Mutex
	state map[string]*child
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	if opts.FailWindow <= 0 {
		opts.FailWindow = defaultFailWindow
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	s := &Supervisor{
		store:      opts.Store,
		ports:      opts.Ports,
		starter:    opts.Starter,
		masterKey:  opts.MasterKey,
		binary:     opts.Binary,
		grace:      opts.Grace,
		failWindow: opts.FailWindow,
		logger:     opts.Logger.With().Str("component", "tlspipe").Logger(),
		children: promauto.With(opts.Registerer).NewGaugeVec(prometheus.GaugeOpts{
			Name: "wiregate_tlspipe_children",
			Help: "Supervised udptlspipe children by state.",
		}, []string{"state"}),
		state: make(map[string]*child),
	}
	s.refreshGauge()
	return s
}

// fingerprint changes whenever the child would need a restart.
func fingerprint(r *model.TLSPipeRoute) string {
	h := sha256.New()
	for _, part := range []string{
		strconv.Itoa(r.TLSPort), strconv.Itoa(r.WGPort), r.Password,
		r.TLSServerName, r.TLSCertFile, r.TLSKeyFile,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// argv builds the child's arguments from a validated route.
func argv(r *model.TLSPipeRoute) []string {
	args := []string{
		"--server",
		"-l", "0.0.0.0:" + strconv.Itoa(r.TLSPort),
		"-d", "127.0.0.1:" + strconv.Itoa(r.WGPort),
		"-p", r.Password,
	}
	if r.TLSServerName != "" {
		args = append(args, "--tls-servername", r.TLSServerName)
	}
	if r.TLSCertFile != "" {
		args = append(args, "--tls-certfile", r.TLSCertFile, "--tls-keyfile", r.TLSKeyFile)
	}
	return args
}

// Ensure starts the child for r, restarting it when the route changed. A
// running child with the same route is left alone.
func (s *Supervisor) Ensure(ctx context.Context, r model.TLSPipeRoute) error {
	if err := checkRoute(&r); err != nil {
		return err
	}
	s.ops.Lock()
	defer s.ops.Unlock()
	return s.ensure(ctx, r)
}

func (s *Supervisor) ensure(ctx context.Context, r model.TLSPipeRoute) error {
	fp := fingerprint(&r)

	s.mu.Lock()
	c := s.state[r.Tunnel]
	if c != nil && c.fp == fp && (c.state == StateRunning || c.state == StateStarting) {
		c.route = r
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if c != nil {
		if err := s.stop(ctx, c); err != nil {
			return fmt.Errorf("stop %s: %w", r.Tunnel, err)
		}
	}
	return s.start(ctx, r, fp)
}

func (s *Supervisor) start(ctx context.Context, r model.TLSPipeRoute, fp string) error {
	bin := s.binary
	if bin == "" {
		var err error
		if bin, err = locate(searchPaths); err != nil {
			s.markFailed(r, fp, err)
			return err
		}
	}
	cmd := executor.Command{Name: bin, Args: argv(&r)}
	if err := executor.Validate(cmd); err != nil {
		s.markFailed(r, fp, err)
		return err
	}

	s.mu.Lock()
	c := s.state[r.Tunnel]
	if c == nil {
		c = &child{}
		s.state[r.Tunnel] = c
	}
	c.gen++
	gen := c.gen
	c.route, c.fp = r, fp
	c.lastErr = ""
	s.setState(c, StateStarting)
	s.mu.Unlock()

	proc, err := s.starter.Start(ctx, cmd)
	if err != nil {
		s.mu.Lock()
		c.lastErr = err.Error()
		s.setState(c, StateFailed)
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("tunnel", r.Tunnel).Msg("start udptlspipe failed")
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	c.proc, c.done, c.startedAt = proc, done, time.Now()
	s.mu.Unlock()

	s.logger.Info().Str("tunnel", r.Tunnel).Int("pid", proc.Pid()).
		Int("tls_port", r.TLSPort).Int("wg_port", r.WGPort).Msg("udptlspipe started")

	go s.wait(c, gen, proc, done)
	time.AfterFunc(s.failWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c.gen == gen && c.state == StateStarting {
			s.setState(c, StateRunning)
		}
	})
	return nil
}

// wait owns proc until it exits.
func (s *Supervisor) wait(c *child, gen int, proc Process, done chan struct{}) {
	err := proc.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(done)
	if c.gen != gen || c.state == StateStopping {
		return
	}
	tunnel := c.route.Tunnel
	early := time.Since(c.startedAt) < s.failWindow
	c.proc = nil
	switch {
	case err != nil && early:
		c.lastErr = err.Error()
		s.setState(c, StateFailed)
		s.logger.Error().Err(err).Str("tunnel", tunnel).Msg("udptlspipe exited during startup")
	case err != nil:
		c.lastErr = err.Error()
		s.setState(c, StateAbsent)
		s.logger.Error().Err(err).Str("tunnel", tunnel).Msg("udptlspipe exited")
	default:
		s.setState(c, StateAbsent)
		s.logger.Warn().Str("tunnel", tunnel).Msg("udptlspipe exited cleanly")
	}
}

// Stop terminates the tunnel's child: SIGTERM, then SIGKILL after the grace
// period. Stopping an absent child is a no-op.
func (s *Supervisor) Stop(ctx context.Context, tunnel string) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	c := s.state[tunnel]
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := s.stop(ctx, c); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.state, tunnel)
	s.refreshGauge()
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) stop(ctx context.Context, c *child) error {
	s.mu.Lock()
	proc, done := c.proc, c.done
	if proc == nil {
		s.setState(c, StateAbsent)
		s.mu.Unlock()
		return nil
	}
	s.setState(c, StateStopping)
	tunnel := c.route.Tunnel
	s.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn().Err(err).Str("tunnel", tunnel).Msg("SIGTERM failed")
	}
	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		s.logger.Warn().Str("tunnel", tunnel).Dur("grace", s.grace).Msg("udptlspipe ignored SIGTERM, killing")
		if err := proc.Signal(syscall.SIGKILL); err != nil {
			s.logger.Warn().Err(err).Str("tunnel", tunnel).Msg("SIGKILL failed")
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	c.proc, c.done = nil, nil
	s.setState(c, StateAbsent)
	s.mu.Unlock()
	s.logger.Info().Str("tunnel", tunnel).Msg("udptlspipe stopped")
	return nil
}

// StopAll stops every child concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	children := make([]*child, 0, len(s.state))
	for _, c := range s.state {
		children = append(children, c)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, c := range children {
		g.Go(func() error { return s.stop(ctx, c) })
	}
	err := g.Wait()
	s.mu.Lock()
	clear(s.state)
	s.refreshGauge()
	s.mu.Unlock()
	return err
}

// Status returns the child's state, StateAbsent for unknown tunnels.
func (s *Supervisor) Status(tunnel string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.state[tunnel]
	if c == nil {
		return Status{Tunnel: tunnel, State: StateAbsent}
	}
	return c.status()
}

// Statuses lists every known child.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.state))
	for _, c := range s.state {
		out = append(out, c.status())
	}
	return out
}

func (c *child) status() Status {
	st := Status{
		Tunnel:    c.route.Tunnel,
		State:     c.state,
		TLSPort:   c.route.TLSPort,
		WGPort:    c.route.WGPort,
		StartedAt: c.startedAt,
		LastError: c.lastErr,
	}
	if c.proc != nil {
		st.Pid = c.proc.Pid()
	}
	return st
}

// OnConfigWritten follows the tunnel's listen port. A route whose port moved
// is restarted; a failed child gets another attempt.
func (s *Supervisor) OnConfigWritten(ctx context.Context, tunnel string) {
	s.mu.Lock()
	c := s.state[tunnel]
	var r model.TLSPipeRoute
	if c != nil {
		r = c.route
	}
	s.mu.Unlock()
	if c == nil || s.ports == nil {
		return
	}

	port, err := s.ports.ListenPort(tunnel)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.logger.Info().Str("tunnel", tunnel).Msg("tunnel gone, stopping udptlspipe")
			if err := s.Stop(ctx, tunnel); err != nil {
				s.logger.Error().Err(err).Str("tunnel", tunnel).Msg("stop udptlspipe failed")
			}
			return
		}
		s.logger.Error().Err(err).Str("tunnel", tunnel).Msg("read listen port failed")
		return
	}
	if port > 0 {
		r.WGPort = port
	}
	if err := s.Ensure(ctx, r); err != nil {
		s.logger.Error().Err(err).Str("tunnel", tunnel).Msg("apply config change to udptlspipe failed")
	}
}

func (s *Supervisor) markFailed(r model.TLSPipeRoute, fp string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.state[r.Tunnel]
	if c == nil {
		c = &child{}
		s.state[r.Tunnel] = c
	}
	c.gen++
	c.route, c.fp, c.lastErr = r, fp, err.Error()
	s.setState(c, StateFailed)
}

// setState must be called with mu held.
func (s *Supervisor) setState(c *child, st State) {
	c.state = st
	s.refreshGauge()
}

func (s *Supervisor) refreshGauge() {
	counts := make(map[State]int, len(allStates))
	for _, c := range s.state {
		counts[c.state]++
	}
	for _, st := range allStates {
		s.children.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
