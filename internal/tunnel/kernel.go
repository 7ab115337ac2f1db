package tunnel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/logging"
	"github.com/wiregate/wiregate/internal/model"
)

// Conf dirs the quick tools resolve bare interface names against.
const (
	wgQuickDir  = "/etc/wireguard"
	awgQuickDir = "/etc/amnezia/amneziawg"
)

func (c *Controller) tool() string {
	if c.protocol == model.ProtocolAWG {
		return "awg"
	}
	return "wg"
}

// quickTarget is the interface name when the conf file lives where the quick
// tool looks for it, otherwise the absolute conf path.
func (c *Controller) quickTarget() string {
	dir := wgQuickDir
	if c.protocol == model.ProtocolAWG {
		dir = awgQuickDir
	}
	if filepath.Dir(c.confPath) == dir {
		return c.name
	}
	return c.confPath
}

func (c *Controller) quick(ctx context.Context, action string) error {
	if err := executor.Do(ctx, c.runner, c.tool()+"-quick", action, c.quickTarget()); err != nil {
		return fmt.Errorf("%s-quick %s %s: %w", c.tool(), action, c.name, err)
	}
	return nil
}

// setPeer installs or updates a peer in the kernel. The preshared key goes
// through a 0600 temp file that is removed whatever the outcome. An empty
// key clears the kernel's.
func (c *Controller) setPeer(ctx context.Context, p *model.Peer) error {
	args := []string{"set", c.name, "peer", p.ID, "allowed-ips", compactIPs(p.AllowedIP)}
	if p.PresharedKey == "" {
		args = append(args, "preshared-key", os.DevNull)
	} else {
		pskFile, err := os.CreateTemp("", "wg-psk-*")
		if err != nil {
			return fmt.Errorf("create temp psk file: %w", err)
		}
		defer os.Remove(pskFile.Name())
		if _, err := pskFile.WriteString(p.PresharedKey); err != nil {
			pskFile.Close()
			return fmt.Errorf("write psk: %w", err)
		}
		pskFile.Close()
		args = append(args, "preshared-key", pskFile.Name())
	}
	if err := executor.Do(ctx, c.runner, c.tool(), args...); err != nil {
		return fmt.Errorf("%s set peer %s: %w", c.tool(), logging.TruncateKey(p.ID), err)
	}
	return nil
}

func (c *Controller) removePeer(ctx context.Context, id string) error {
	if err := executor.Do(ctx, c.runner, c.tool(), "set", c.name, "peer", id, "remove"); err != nil {
		return fmt.Errorf("%s remove peer %s: %w", c.tool(), logging.TruncateKey(id), err)
	}
	return nil
}

// reapplyIPv6 flushes and re-adds the interface's IPv6 addresses, which the
// quick tools do not always install.
func (c *Controller) reapplyIPv6(ctx context.Context, addrs []string) error {
	var v6 []string
	for _, a := range addrs {
		if strings.Contains(a, ":") {
			v6 = append(v6, a)
		}
	}
	if len(v6) == 0 {
		return nil
	}
	if err := executor.Do(ctx, c.runner, "ip", "-6", "addr", "flush", "dev", c.name); err != nil {
		return fmt.Errorf("flush ipv6 on %s: %w", c.name, err)
	}
	for _, a := range v6 {
		if err := executor.Do(ctx, c.runner, "ip", "-6", "addr", "add", a, "dev", c.name); err != nil {
			return fmt.Errorf("add %s to %s: %w", a, c.name, err)
		}
	}
	return nil
}

func compactIPs(s string) string {
	return strings.ReplaceAll(s, " ", "")
}
