package shaping

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/model"
)

// applyClassful tears down the peer's previous classes and filters, then
// builds a download class on the tunnel and an upload class on its ifb.
func (s *Shaper) applyClassful(ctx context.Context, l Limit, prefixes []netip.Prefix) error {
	dev := l.Tunnel
	if err := s.teardownPeer(ctx, dev, l.PeerID, prefixes); err != nil {
		return err
	}

	if l.DownloadKbps > 0 {
		if err := s.ensureRoot(ctx, dev, l.Scheduler); err != nil {
			return err
		}
		class := DownloadClass(l.PeerID)
		if err := s.addClass(ctx, dev, class, l.Scheduler, l.DownloadKbps); err != nil {
			return err
		}
		for _, p := range prefixes {
			if err := s.addFilter(ctx, dev, p, "dst", class); err != nil {
				return err
			}
		}
	}

	if l.UploadKbps > 0 {
		ifb, err := IFBName(dev)
		if err != nil {
			return err
		}
		if err := s.ensureIFB(ctx, dev, ifb); err != nil {
			return err
		}
		if err := s.ensureRoot(ctx, ifb, l.Scheduler); err != nil {
			return err
		}
		class := UploadClass(l.PeerID)
		if err := s.addClass(ctx, ifb, class, l.Scheduler, l.UploadKbps); err != nil {
			return err
		}
		for _, p := range prefixes {
			if err := s.addFilter(ctx, ifb, p, "src", class); err != nil {
				return err
			}
			if err := s.addRedirect(ctx, dev, ifb, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureRoot installs "handle 1: <kind> default 99" and the catch-all class
// unless the device already has that root.
func (s *Shaper) ensureRoot(ctx context.Context, dev, kind string) error {
	out, err := executor.Status(ctx, s.runner, "tc", "qdisc", "show", "dev", dev)
	if err != nil {
		return fmt.Errorf("show qdisc on %s: %w", dev, err)
	}
	for _, q := range ParseQdiscStats(dev, out) {
		if q.Parent != "root" {
			continue
		}
		if q.Kind == kind && q.Handle == rootHandle {
			return nil
		}
		if q.Kind != "noqueue" {
			s.logger.Info().Str("dev", dev).Str("existing", q.Kind).Str("wanted", kind).Msg("replacing root qdisc")
			if err := s.tolerate(executor.Do(ctx, s.runner, "tc", "qdisc", "del", "dev", dev, "root")); err != nil {
				return fmt.Errorf("delete root qdisc on %s: %w", dev, err)
			}
		}
	}

	if err := executor.Do(ctx, s.runner, "tc", "qdisc", "add", "dev", dev,
		"root", "handle", rootHandle, kind, "default", "99"); err != nil {
		return fmt.Errorf("add %s root on %s: %w", kind, dev, err)
	}
	ceiling, _ := bandwidth(MaxRateKbps)
	args := []string{"class", "replace", "dev", dev, "parent", rootHandle, "classid", defaultClassID}
	if kind == model.SchedulerHFSC {
		args = append(args, "hfsc", "sc", "rate", ceiling, "ul", "rate", ceiling)
	} else {
		args = append(args, "htb", "rate", ceiling)
	}
	if err := executor.Do(ctx, s.runner, "tc", args...); err != nil {
		return fmt.Errorf("add default class on %s: %w", dev, err)
	}
	return nil
}

func (s *Shaper) addClass(ctx context.Context, dev, classID, kind string, kbps int) error {
	bw, err := bandwidth(kbps)
	if err != nil {
		return err
	}
	args := []string{"class", "add", "dev", dev, "parent", rootHandle, "classid", classID}
	if kind == model.SchedulerHFSC {
		args = append(args, "hfsc", "sc", "rate", bw, "ul", "rate", bw)
	} else {
		args = append(args, "htb", "rate", bw, "burst", burstBytes(kbps), "ceil", bw)
	}
	if err := executor.Do(ctx, s.runner, "tc", args...); err != nil {
		return fmt.Errorf("add class %s on %s: %w", classID, dev, err)
	}
	return nil
}

func (s *Shaper) addFilter(ctx context.Context, dev string, p netip.Prefix, dir, classID string) error {
	proto, sel, prio := family(p)
	if err := executor.Do(ctx, s.runner, "tc", "filter", "add", "dev", dev,
		"protocol", proto, "parent", rootHandle, "prio", prio,
		"u32", "match", sel, dir, p.String(), "flowid", classID); err != nil {
		return fmt.Errorf("add %s filter for %s on %s: %w", dir, p, dev, err)
	}
	return nil
}

func (s *Shaper) addRedirect(ctx context.Context, dev, ifb string, p netip.Prefix) error {
	proto, sel, prio := family(p)
	if err := executor.Do(ctx, s.runner, "tc", "filter", "add", "dev", dev,
		"parent", ingressHandle, "protocol", proto, "prio", prio,
		"u32", "match", sel, "src", p.String(),
		"action", "mirred", "egress", "redirect", "dev", ifb); err != nil {
		return fmt.Errorf("add ingress redirect for %s on %s: %w", p, dev, err)
	}
	return nil
}

// ensureIFB creates and raises the ifb device and the ingress qdisc it is fed from.
func (s *Shaper) ensureIFB(ctx context.Context, dev, ifb string) error {
	if _, err := executor.Status(ctx, s.runner, "ip", "link", "show", ifb); err != nil {
		if !executor.NotFound(err) {
			return fmt.Errorf("look up %s: %w", ifb, err)
		}
		// The module may be built in.
		if err := executor.Do(ctx, s.runner, "modprobe", "-q", "ifb"); err != nil {
			s.logger.Debug().Err(err).Msg("modprobe ifb failed")
		}
		if err := executor.Do(ctx, s.runner, "ip", "link", "add", ifb, "type", "ifb"); err != nil {
			return fmt.Errorf("create %s: %w", ifb, err)
		}
		s.logger.Info().Str("dev", ifb).Msg("ifb device created")
	}
	if err := executor.Do(ctx, s.runner, "ip", "link", "set", "dev", ifb, "up"); err != nil {
		return fmt.Errorf("bring up %s: %w", ifb, err)
	}

	out, err := executor.Status(ctx, s.runner, "tc", "qdisc", "show", "dev", dev, "ingress")
	if err != nil {
		return fmt.Errorf("show ingress qdisc on %s: %w", dev, err)
	}
	if strings.Contains(out, "ingress") {
		return nil
	}
	if err := executor.Do(ctx, s.runner, "tc", "qdisc", "add", "dev", dev, "handle", ingressHandle, "ingress"); err != nil {
		return fmt.Errorf("add ingress qdisc on %s: %w", dev, err)
	}
	return nil
}

// teardownPeer removes every filter and class owned by the peer. Missing
// devices, filters and classes are not errors.
func (s *Shaper) teardownPeer(ctx context.Context, dev, peerID string, prefixes []netip.Prefix) error {
	down := DownloadClass(peerID)
	if err := s.deleteFilters(ctx, dev, rootHandle, func(f filterEntry) bool {
		return f.FlowID == down
	}); err != nil {
		return err
	}
	if err := s.deleteClass(ctx, dev, down); err != nil {
		return err
	}

	if err := s.deleteFilters(ctx, dev, ingressHandle, func(f filterEntry) bool {
		for _, p := range prefixes {
			if f.hasMatches(matchKeys(p, "src")) {
				return true
			}
		}
		return false
	}); err != nil {
		return err
	}

	ifb, err := IFBName(dev)
	if err != nil {
		return nil
	}
	up := UploadClass(peerID)
	if err := s.deleteFilters(ctx, ifb, rootHandle, func(f filterEntry) bool {
		return f.FlowID == up
	}); err != nil {
		return err
	}
	return s.deleteClass(ctx, ifb, up)
}

func (s *Shaper) deleteFilters(ctx context.Context, dev, parent string, match func(filterEntry) bool) error {
	out, err := executor.Status(ctx, s.runner, "tc", "filter", "show", "dev", dev, "parent", parent)
	if err != nil {
		if s.tolerate(err) == nil {
			return nil
		}
		return fmt.Errorf("list filters on %s: %w", dev, err)
	}
	for _, f := range parseFilters(out) {
		if !match(f) {
			continue
		}
		err := executor.Do(ctx, s.runner, "tc", "filter", "del", "dev", dev,
			"parent", parent, "protocol", f.Protocol, "prio", f.Pref, "handle", f.Handle, "u32")
		if err := s.tolerate(err); err != nil {
			return fmt.Errorf("delete filter %s on %s: %w", f.Handle, dev, err)
		}
	}
	return nil
}

func (s *Shaper) deleteClass(ctx context.Context, dev, classID string) error {
	err := executor.Do(ctx, s.runner, "tc", "class", "del", "dev", dev, "classid", classID)
	if err := s.tolerate(err); err != nil {
		return fmt.Errorf("delete class %s on %s: %w", classID, dev, err)
	}
	return nil
}
