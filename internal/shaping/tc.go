package shaping

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net/netip"
	"regexp"
	"strings"

	"github.com/wiregate/wiregate/internal/model"
)

const (
	// MaxRateKbps bounds accepted rates and sizes the catch-all class.
	MaxRateKbps = 4194303

	rootHandle     = "1:"
	ingressHandle  = "ffff:"
	defaultClassID = "1:99"
	maxIfaceLen    = 15
)

var bandwidthRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?(bit|kbit|mbit|gbit)$`)

// ValidBandwidth reports whether s is an accepted tc rate literal.
func ValidBandwidth(s string) bool {
	return bandwidthRe.MatchString(s)
}

// bandwidth renders kbps as a bit/s literal.
func bandwidth(kbps int) (string, error) {
	if kbps < 0 || kbps > MaxRateKbps {
		return "", model.Invalid("shaping", "rate %d kbit/s out of range [0, %d]", kbps, MaxRateKbps)
	}
	s := fmt.Sprintf("%dbit", int64(kbps)*1000)
	if !ValidBandwidth(s) {
		return "", model.Invalid("shaping", "invalid bandwidth %q", s)
	}
	return s, nil
}

// burstBytes is one millisecond at the target rate.
func burstBytes(kbps int) string {
	return fmt.Sprintf("%d", int64(kbps)*125/8)
}

// CakeOptions are the tunables of the cake root.
type CakeOptions struct {
	Overhead int
	MPU      int
	Memlimit string
}

// DefaultCakeOptions matches the bundle applied to every cake root.
func DefaultCakeOptions() CakeOptions {
	return CakeOptions{Overhead: 0, MPU: 0, Memlimit: "32m"}
}

var memlimitRe = regexp.MustCompile(`^[0-9]+[kmg]?$`)

func (o CakeOptions) validate() error {
	if o.Overhead < -64 || o.Overhead > 256 {
		return model.Invalid("shaping", "cake overhead %d out of range [-64, 256]", o.Overhead)
	}
	if o.MPU < 0 || o.MPU > 256 {
		return model.Invalid("shaping", "cake mpu %d out of range [0, 256]", o.MPU)
	}
	if !memlimitRe.MatchString(o.Memlimit) {
		return model.Invalid("shaping", "invalid cake memlimit %q", o.Memlimit)
	}
	return nil
}

func (o CakeOptions) args(bw string) []string {
	return []string{"cake", "bandwidth", bw,
		"besteffort", "triple-isolate", "nat", "nowash", "split-gso",
		"overhead", fmt.Sprint(o.Overhead), "mpu", fmt.Sprint(o.MPU), "memlimit", o.Memlimit}
}

// classBase maps a peer onto three hex digits; the last digit of the class
// id selects the direction.
func classBase(peerID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(peerID))
	return h.Sum64() % 0xfff
}

// UploadClass is the peer's class on the ifb device.
func UploadClass(peerID string) string {
	return fmt.Sprintf("1:%x1", classBase(peerID))
}

// DownloadClass is the peer's class on the tunnel interface.
func DownloadClass(peerID string) string {
	return fmt.Sprintf("1:%x2", classBase(peerID))
}

// IFBName is the ingress mirror device for a tunnel.
func IFBName(tunnel string) (string, error) {
	name := "ifb-" + tunnel
	if len(name) > maxIfaceLen {
		return "", model.Invalid("shaping", "tunnel name %q too long for an ifb device", tunnel)
	}
	return name, nil
}

func parseAllowed(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := netip.ParsePrefix(f)
		if err != nil {
			a, aerr := netip.ParseAddr(f)
			if aerr != nil {
				return nil, model.Invalid("shaping", "invalid allowed ip %q", f)
			}
			p = netip.PrefixFrom(a, a.BitLen())
		}
		out = append(out, p.Masked())
	}
	if len(out) == 0 {
		return nil, model.Invalid("shaping", "no allowed ips")
	}
	return out, nil
}

// family returns the tc protocol, u32 match selector and filter priority.
func family(p netip.Prefix) (proto, sel, prio string) {
	if p.Addr().Is4() {
		return "ip", "ip", "1"
	}
	return "ipv6", "ip6", "2"
}

// matchKeys renders the u32 keys tc prints for "match ip|ip6 src|dst p".
func matchKeys(p netip.Prefix, dir string) []string {
	b := p.Addr().AsSlice()
	base := 12
	switch {
	case p.Addr().Is4() && dir == "dst":
		base = 16
	case p.Addr().Is6() && dir == "src":
		base = 8
	case p.Addr().Is6():
		base = 24
	}
	var keys []string
	for i := 0; i < len(b)/4; i++ {
		bits := min(max(p.Bits()-32*i, 0), 32)
		if bits == 0 {
			continue
		}
		mask := uint32(0xffffffff) << (32 - bits)
		word := binary.BigEndian.Uint32(b[i*4:])
		keys = append(keys, fmt.Sprintf("%08x/%08x at %d", word&mask, mask, base+4*i))
	}
	return keys
}

// filterEntry is one u32 filter from "tc filter show".
type filterEntry struct {
	Protocol string
	Pref     string
	Handle   string
	FlowID   string
	Matches  []string
	Redirect string
}

func (f filterEntry) hasMatches(keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		found := false
		for _, m := range f.Matches {
			if m == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func parseFilters(out string) []filterEntry {
	var entries []filterEntry
	var cur *filterEntry
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		fields := strings.Fields(trimmed)
		if fields[0] == "filter" {
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &filterEntry{}
			for i := 0; i+1 < len(fields); i++ {
				switch fields[i] {
				case "protocol":
					cur.Protocol = fields[i+1]
				case "pref":
					cur.Pref = fields[i+1]
				case "fh":
					cur.Handle = fields[i+1]
				case "flowid":
					cur.FlowID = fields[i+1]
				}
			}
			continue
		}
		if cur == nil {
			continue
		}
		if fields[0] == "match" && len(fields) >= 4 {
			cur.Matches = append(cur.Matches, strings.Join(fields[1:4], " "))
		}
		if i := strings.Index(trimmed, "Redirect to device "); i >= 0 {
			if rest := strings.Fields(trimmed[i+len("Redirect to device "):]); len(rest) > 0 {
				cur.Redirect = strings.TrimRight(rest[0], ")")
			}
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	// Hash-table headers carry neither keys nor a target.
	kept := entries[:0]
	for _, e := range entries {
		if e.Handle != "" && (e.FlowID != "" || len(e.Matches) > 0) {
			kept = append(kept, e)
		}
	}
	return kept
}
