// Package telemetry polls kernel WireGuard state and folds it into the peer
// store: handshake status, transfer counters with session accumulation,
// endpoints, transfer history and the realtime traffic series.
package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/model"
)

// Transfer is a peer's kernel byte counters for the current session.
type Transfer struct {
	Receive int64
	Sent    int64
}

// KernelSnapshot is one read of a tunnel's kernel state, keyed by peer
// public key. A zero handshake epoch means the peer never connected.
type KernelSnapshot struct {
	Tunnel     string
	At         time.Time
	Handshakes map[string]int64
	Transfers  map[string]Transfer
	Endpoints  map[string]string
}

func newSnapshot(tunnel string, at time.Time) *KernelSnapshot {
	return &KernelSnapshot{
		Tunnel:     tunnel,
		At:         at,
		Handshakes: make(map[string]int64),
		Transfers:  make(map[string]Transfer),
		Endpoints:  make(map[string]string),
	}
}

// KernelReader reads the peer state of one interface.
type KernelReader interface {
	Read(ctx context.Context, tunnel, protocol string) (*KernelSnapshot, error)
}

// CounterReader reads interface-wide byte counters.
type CounterReader interface {
	Counters(ctx context.Context, tunnel string) (Transfer, error)
}

// CLIReader reads kernel state through wg/awg show and ip.
type CLIReader struct {
	runner executor.Runner
	now    func() time.Time
}

func NewCLIReader(runner executor.Runner) *CLIReader {
	return &CLIReader{runner: runner, now: time.Now}
}

func (r *CLIReader) Read(ctx context.Context, tunnel, protocol string) (*KernelSnapshot, error) {
	tool := "wg"
	if protocol == model.ProtocolAWG {
		tool = "awg"
	}
	snap := newSnapshot(tunnel, r.now())

	out, err := executor.Status(ctx, r.runner, tool, "show", tunnel, "latest-handshakes")
	if err != nil {
		return nil, fmt.Errorf("read handshakes of %s: %w", tunnel, err)
	}
	if err := parseHandshakes(out, snap.Handshakes); err != nil {
		return nil, fmt.Errorf("parse handshakes of %s: %w", tunnel, err)
	}

	out, err = executor.Status(ctx, r.runner, tool, "show", tunnel, "transfer")
	if err != nil {
		return nil, fmt.Errorf("read transfer of %s: %w", tunnel, err)
	}
	if err := parseTransfers(out, snap.Transfers); err != nil {
		return nil, fmt.Errorf("parse transfer of %s: %w", tunnel, err)
	}

	out, err = executor.Status(ctx, r.runner, tool, "show", tunnel, "endpoints")
	if err != nil {
		return nil, fmt.Errorf("read endpoints of %s: %w", tunnel, err)
	}
	parseEndpoints(out, snap.Endpoints)
	return snap, nil
}

func fields(out string, fn func(f []string) error) error {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) == 0 {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return sc.Err()
}

func parseHandshakes(out string, dst map[string]int64) error {
	return fields(out, func(f []string) error {
		if len(f) != 2 {
			return fmt.Errorf("unexpected handshake line %q", strings.Join(f, " "))
		}
		epoch, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return fmt.Errorf("handshake epoch %q: %w", f[1], err)
		}
		dst[f[0]] = epoch
		return nil
	})
}

func parseTransfers(out string, dst map[string]Transfer) error {
	return fields(out, func(f []string) error {
		if len(f) != 3 {
			return fmt.Errorf("unexpected transfer line %q", strings.Join(f, " "))
		}
		rx, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return fmt.Errorf("rx bytes %q: %w", f[1], err)
		}
		tx, err := strconv.ParseInt(f[2], 10, 64)
		if err != nil {
			return fmt.Errorf("tx bytes %q: %w", f[2], err)
		}
		dst[f[0]] = Transfer{Receive: rx, Sent: tx}
		return nil
	})
}

func parseEndpoints(out string, dst map[string]string) {
	fields(out, func(f []string) error {
		if len(f) < 2 || f[1] == "(none)" {
			if len(f) >= 1 {
				dst[f[0]] = ""
			}
			return nil
		}
		dst[f[0]] = f[1]
		return nil
	})
}

type linkStats struct {
	Stats64 struct {
		RX struct {
			Bytes int64 `json:"bytes"`
		} `json:"rx"`
		TX struct {
			Bytes int64 `json:"bytes"`
		} `json:"tx"`
	} `json:"stats64"`
}

// Counters reads the interface byte counters from ip -s -j link show.
func (r *CLIReader) Counters(ctx context.Context, tunnel string) (Transfer, error) {
	out, err := executor.Status(ctx, r.runner, "ip", "-s", "-j", "link", "show", tunnel)
	if err != nil {
		return Transfer{}, fmt.Errorf("read link stats of %s: %w", tunnel, err)
	}
	var links []linkStats
	if err := json.Unmarshal([]byte(out), &links); err != nil {
		return Transfer{}, fmt.Errorf("decode link stats of %s: %w", tunnel, err)
	}
	if len(links) == 0 {
		return Transfer{}, fmt.Errorf("no link stats for %s", tunnel)
	}
	return Transfer{Receive: links[0].Stats64.RX.Bytes, Sent: links[0].Stats64.TX.Bytes}, nil
}
