// Package setup checks the host before the control plane starts: the peer
// store answers, the state directories are writable and the tools the
// tunnels shell out to are installed.
package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/wiregate/wiregate/internal/config"
)

// Pinger is the peer store as far as startup cares.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PortSource reports listen ports claimed by more than one tunnel.
type PortSource interface {
	PortConflicts() (map[int][]string, error)
}

type binary struct {
	names    []string
	severity Severity
	hint     string
}

var binaries = []binary{
	{[]string{"wg"}, SeverityCritical, "install wireguard-tools"},
	{[]string{"wg-quick"}, SeverityCritical, "install wireguard-tools"},
	{[]string{"ip"}, SeverityCritical, "install iproute2"},
	{[]string{"tc"}, SeverityCritical, "install iproute2"},
	{[]string{"awg", "awg-quick"}, SeverityWarning, "install amneziawg-tools to manage AmneziaWG tunnels"},
	{[]string{"7z"}, SeverityWarning, "install p7zip-full to create backups"},
	{[]string{"udptlspipe"}, SeverityWarning, "place the udptlspipe binary in /usr/local/bin to enable TLS piping"},
}

type Options struct {
	Config *config.Config
	Store  Pinger
	Ports  PortSource
	// LookPath overrides exec.LookPath.
	LookPath func(string) (string, error)
	// PingTimeout bounds the store ping, 5s by default.
	PingTimeout time.Duration
	Logger      zerolog.Logger
}

// Validator runs the startup checks.
type Validator struct {
	cfg         *config.Config
	store       Pinger
	ports       PortSource
	lookPath    func(string) (string, error)
	pingTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func New(opts Options) *Validator {
	v := &Validator{
		cfg:         opts.Config,
		store:       opts.Store,
		ports:       opts.Ports,
		lookPath:    opts.LookPath,
		pingTimeout: opts.PingTimeout,
		logger:      opts.Logger.With().Str("component", "startup").Logger(),
		now:         time.Now,
	}
	if v.lookPath == nil {
		v.lookPath = exec.LookPath
	}
	if v.pingTimeout <= 0 {
		v.pingTimeout = 5 * time.Second
	}
	return v
}

// Run executes every check and returns the findings. Checks never stop
// early, so one run lists everything that needs fixing.
func (v *Validator) Run(ctx context.Context) *Report {
	r := &Report{CheckedAt: v.now().UTC()}
	add := func(sev Severity, component, msg, hint string) {
		r.Issues = append(r.Issues, Issue{Severity: sev, Component: component, Message: msg, FixHint: hint})
	}

	if err := v.cfg.Validate(); err != nil {
		add(SeverityCritical, "config", err.Error(), "set the missing environment variables and restart")
	}

	v.checkDir(add, "config", "CONFIGURATION_PATH", v.cfg.ConfigurationPath, SeverityCritical)
	v.checkDir(add, "peer-store", "DB_PATH", v.cfg.DBPath, SeverityCritical)
	v.checkDir(add, "tunnel", "WGD_CONF_PATH", v.cfg.WGConfPath, SeverityCritical)
	v.checkDir(add, "tunnel", "AWG_CONF_PATH", v.cfg.AWGConfPath, SeverityWarning)
	v.checkDir(add, "backup", "WGD_BACKUP_PATH", v.cfg.BackupPath, SeverityWarning)
	v.checkDir(add, "cps", "WGD_CPS_PATH", v.cfg.CPSPath, SeverityWarning)
	v.checkDir(add, "tunnel", "WGD_IPTABLES_PATH", v.cfg.ScriptsPath, SeverityWarning)

	if v.store == nil {
		add(SeverityInfo, "peer-store", "peer store not opened, ping skipped", "")
	} else {
		pctx, cancel := context.WithTimeout(ctx, v.pingTimeout)
		err := v.store.Ping(pctx)
		cancel()
		if err != nil {
			add(SeverityCritical, "peer-store", fmt.Sprintf("peer store unreachable: %v", err), v.storeHint())
		}
	}

	for _, b := range binaries {
		var missing []string
		for _, name := range b.names {
			if _, err := v.lookPath(name); err != nil {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			add(b.severity, "executor", fmt.Sprintf("%s not found in PATH", strings.Join(missing, ", ")), b.hint)
		}
	}

	if v.ports != nil {
		conflicts, err := v.ports.PortConflicts()
		if err != nil {
			add(SeverityWarning, "tunnel", fmt.Sprintf("port check failed: %v", err), "")
		}
		ports := make([]int, 0, len(conflicts))
		for p := range conflicts {
			ports = append(ports, p)
		}
		slices.Sort(ports)
		for _, p := range ports {
			add(SeverityWarning, "tunnel",
				fmt.Sprintf("listen port %d is used by %s", p, strings.Join(conflicts[p], ", ")),
				"give every tunnel its own ListenPort")
		}
	}

	for _, is := range r.Issues {
		ev := v.logger.Info()
		switch is.Severity {
		case SeverityCritical:
			ev = v.logger.Error()
		case SeverityWarning:
			ev = v.logger.Warn()
		}
		ev.Str("check", is.Component).Str("hint", is.FixHint).Msg(is.Message)
	}
	v.logger.Info().Int("critical", r.Count(SeverityCritical)).Int("warnings", r.Count(SeverityWarning)).Msg("startup validation done")
	return r
}

func (v *Validator) storeHint() string {
	if v.cfg.Mode == config.ModeScale {
		return "check POSTGRES_HOST, POSTGRES_PORT and the database credentials"
	}
	return "check that DB_PATH is on a writable filesystem"
}

// checkDir creates path when missing and requires it to be a writable
// directory. Problems are reported at sev.
func (v *Validator) checkDir(add func(Severity, string, string, string), component, env, path string, sev Severity) {
	if path == "" {
		add(sev, component, env+" is empty", "set "+env)
		return
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(path, 0o755); err != nil {
			add(sev, component, fmt.Sprintf("%s %s cannot be created: %v", env, path, err), "create it or point "+env+" elsewhere")
			return
		}
		add(SeverityInfo, component, fmt.Sprintf("created %s %s", env, path), "")
	case err != nil:
		add(sev, component, fmt.Sprintf("%s %s: %v", env, path, err), "")
		return
	case !info.IsDir():
		add(sev, component, fmt.Sprintf("%s %s is not a directory", env, path), "point "+env+" at a directory")
		return
	}
	if err := unix.Access(path, unix.W_OK); err != nil {
		add(sev, component, fmt.Sprintf("%s %s is not writable: %v", env, path, err), "fix ownership or permissions of "+path)
	}
}
