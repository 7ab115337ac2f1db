package shaping

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/model"
)

// QdiscStats is one qdisc from "tc -s qdisc show".
type QdiscStats struct {
	Device      string `json:"device"`
	Kind        string `json:"kind"`
	Handle      string `json:"handle"`
	Parent      string `json:"parent"`
	SentBytes   uint64 `json:"sent_bytes"`
	SentPackets uint64 `json:"sent_packets"`
	Dropped     uint64 `json:"dropped"`
	Overlimits  uint64 `json:"overlimits"`
	Requeues    uint64 `json:"requeues"`
}

// Stats returns qdisc counters for the tunnel and, when present, its ifb.
func (s *Shaper) Stats(ctx context.Context, tunnel string) ([]QdiscStats, error) {
	if !model.ValidTunnelName(tunnel) {
		return nil, model.Invalid("shaping", "invalid tunnel name %q", tunnel)
	}
	out, err := executor.Status(ctx, s.runner, "tc", "-s", "qdisc", "show", "dev", tunnel)
	if err != nil {
		return nil, fmt.Errorf("read qdisc stats for %s: %w", tunnel, err)
	}
	stats := ParseQdiscStats(tunnel, out)

	if ifb, err := IFBName(tunnel); err == nil {
		out, err := executor.Status(ctx, s.runner, "tc", "-s", "qdisc", "show", "dev", ifb)
		switch {
		case err == nil:
			stats = append(stats, ParseQdiscStats(ifb, out)...)
		case !executor.NotFound(err):
			return nil, fmt.Errorf("read qdisc stats for %s: %w", ifb, err)
		}
	}
	return stats, nil
}

// ParseQdiscStats parses "tc -s qdisc show dev <device>" output.
func ParseQdiscStats(device, out string) []QdiscStats {
	var stats []QdiscStats
	var cur *QdiscStats
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "qdisc":
			if len(fields) < 3 {
				continue
			}
			stats = append(stats, QdiscStats{Device: device, Kind: fields[1], Handle: fields[2]})
			cur = &stats[len(stats)-1]
			for i := 3; i < len(fields); i++ {
				if fields[i] == "root" {
					cur.Parent = "root"
				} else if fields[i] == "parent" && i+1 < len(fields) {
					cur.Parent = fields[i+1]
				}
			}
		case "Sent":
			if cur == nil {
				continue
			}
			// Sent 1234 bytes 10 pkt (dropped 0, overlimits 0 requeues 0)
			for i := 1; i+1 < len(fields); i++ {
				n, err := strconv.ParseUint(strings.Trim(fields[i], "(),"), 10, 64)
				if err != nil {
					continue
				}
				switch strings.Trim(fields[i+1], "(),") {
				case "bytes":
					cur.SentBytes = n
				case "pkt":
					cur.SentPackets = n
				}
			}
			for i := 1; i+1 < len(fields); i++ {
				n, err := strconv.ParseUint(strings.Trim(fields[i+1], "(),"), 10, 64)
				if err != nil {
					continue
				}
				switch strings.Trim(fields[i], "(),") {
				case "dropped":
					cur.Dropped = n
				case "overlimits":
					cur.Overlimits = n
				case "requeues":
					cur.Requeues = n
				}
			}
		}
	}
	return stats
}
