package executor

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/wiregate/wiregate/internal/model"
)

const (
	maxArgLen      = 1000
	defaultMaxArgs = 64
)

// metaChars may never appear in an argument unless the policy permits it.
const metaChars = ";&|`$(){}<>*?~\n\r\t\""

// Policy restricts the argv accepted for one binary.
type Policy struct {
	// Subcommands is the set of accepted first positionals. Empty accepts any.
	Subcommands []string
	// LeadingFlags may appear before the first positional.
	LeadingFlags []string
	// Flags, when set, makes the command flag-only: every flag must be listed
	// and non-flag arguments are only accepted as the value of a flag.
	Flags []string
	// MaxArgs bounds argv length. Zero means the package default.
	MaxArgs int
	// Permit matches arguments exempt from the metacharacter check.
	Permit *regexp.Regexp
	// Check runs after the generic checks.
	Check func(args []string) error
}

var ifaceSubcommands = map[string]bool{"show": true, "set": true, "syncconf": true, "setconf": true, "addconf": true}

func checkWG(args []string) error {
	pos := positionals(args, nil)
	if len(pos) < 2 || !ifaceSubcommands[pos[0]] {
		return nil
	}
	if pos[0] == "show" && (pos[1] == "all" || pos[1] == "interfaces") {
		return nil
	}
	if !validInterface(pos[1]) {
		return fmt.Errorf("invalid interface name %q", pos[1])
	}
	return nil
}

func checkQuick(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("expected <action> <interface>")
	}
	if !validInterface(args[1]) && !filepath.IsAbs(args[1]) {
		return fmt.Errorf("invalid interface name %q", args[1])
	}
	return nil
}

// DefaultPolicies returns the production allow-list.
func DefaultPolicies() map[string]Policy {
	wg := Policy{
		Subcommands: []string{"show", "set", "add", "del", "genkey", "genpsk", "pubkey", "dump",
			"latest-handshakes", "transfer", "endpoints"},
		MaxArgs: 20,
		Check:   checkWG,
	}
	quick := Policy{
		Subcommands: []string{"up", "down", "save", "strip"},
		MaxArgs:     2,
		Check:       checkQuick,
	}
	return map[string]Policy{
		"wg":        wg,
		"awg":       wg,
		"wg-quick":  quick,
		"awg-quick": quick,
		"ip": {
			Subcommands:  []string{"link", "addr", "address", "route", "rule"},
			LeadingFlags: []string{"-4", "-6", "-o", "-j", "-s"},
		},
		"tc": {
			Subcommands:  []string{"qdisc", "class", "filter", "show"},
			LeadingFlags: []string{"-s", "-d", "-j"},
		},
		"modprobe": {
			Subcommands:  []string{"ifb"},
			LeadingFlags: []string{"-q"},
			MaxArgs:      3,
		},
		"7z": {
			Subcommands: []string{"a", "x", "t", "l"},
		},
		"udptlspipe": {
			Flags: []string{"--server", "-l", "--listen", "-d", "--destination", "-p", "--password",
				"--tls-servername", "--tls-certfile", "--tls-keyfile", "--secure", "-v", "--verbose",
				"--probe-reverseproxyurl"},
			MaxArgs: 20,
			// Passwords are base64url.
			Permit: regexp.MustCompile(`^[A-Za-z0-9_=+./:-]+$`),
		},
	}
}

// udptlspipe flags that stand alone.
var boolFlags = map[string]bool{"--server": true, "--secure": true, "-v": true, "--verbose": true}

func validInterface(name string) bool {
	return model.ValidTunnelName(name) || (strings.HasPrefix(name, "ifb-") && model.ValidTunnelName(name[4:]))
}

func positionals(args []string, leading []string) []string {
	var out []string
	for _, a := range args {
		if len(out) == 0 && strings.HasPrefix(a, "-") && (leading == nil || slices.Contains(leading, a)) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// validate checks cmd against the policy table.
func validate(policies map[string]Policy, cmd Command) error {
	base := filepath.Base(cmd.Name)
	if cmd.Name != base && (!filepath.IsAbs(cmd.Name) || filepath.Clean(cmd.Name) != cmd.Name) {
		return model.Invalid("executor", "command path %q must be absolute and clean", cmd.Name)
	}
	p, ok := policies[base]
	if !ok {
		return model.Invalid("executor", "command %q is not allowed", base)
	}

	maxArgs := p.MaxArgs
	if maxArgs == 0 {
		maxArgs = defaultMaxArgs
	}
	if len(cmd.Args) > maxArgs {
		return model.Invalid("executor", "%s: too many arguments (%d > %d)", base, len(cmd.Args), maxArgs)
	}

	for _, a := range cmd.Args {
		if len(a) > maxArgLen {
			return model.Invalid("executor", "%s: argument exceeds %d bytes", base, maxArgLen)
		}
		if strings.ContainsAny(a, metaChars) && (p.Permit == nil || !p.Permit.MatchString(a)) {
			return model.Invalid("executor", "%s: argument %q contains shell metacharacters", base, a)
		}
	}

	if len(p.Flags) > 0 {
		if err := checkFlags(base, p.Flags, cmd.Args); err != nil {
			return err
		}
	} else if len(p.Subcommands) > 0 {
		i := 0
		for i < len(cmd.Args) && slices.Contains(p.LeadingFlags, cmd.Args[i]) {
			i++
		}
		if i >= len(cmd.Args) {
			return model.Invalid("executor", "%s: missing subcommand", base)
		}
		if !slices.Contains(p.Subcommands, cmd.Args[i]) {
			return model.Invalid("executor", "%s: subcommand %q is not allowed", base, cmd.Args[i])
		}
	}

	if p.Check != nil {
		if err := p.Check(cmd.Args); err != nil {
			return model.Invalid("executor", "%s: %v", base, err)
		}
	}
	return nil
}

func checkFlags(base string, allowed, args []string) error {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			return model.Invalid("executor", "%s: unexpected argument %q", base, a)
		}
		if !slices.Contains(allowed, a) {
			return model.Invalid("executor", "%s: flag %q is not allowed", base, a)
		}
		if !boolFlags[a] {
			if i+1 >= len(args) {
				return model.Invalid("executor", "%s: flag %q needs a value", base, a)
			}
			i++
		}
	}
	return nil
}
