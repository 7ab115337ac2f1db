// Package wgconf reads and writes WireGuard and AmneziaWG configuration files.
package wgconf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wiregate/wiregate/internal/model"
)

// KV is one key/value line. An empty Key marks a raw line (comment)
// carried through unchanged.
type KV struct {
	Key   string
	Value string
}

// AWGKeys are the AmneziaWG interface parameters in emit order.
var AWGKeys = []string{"Jc", "Jmin", "Jmax", "S1", "S2", "H1", "H2", "H3", "H4", "I1", "I2", "I3", "I4", "I5"}

// awgDetectKeys mark a file as AmneziaWG.
var awgDetectKeys = []string{"Jc", "Jmin", "Jmax", "S1", "S2", "H1", "H2", "H3", "H4"}

// Interface is the [Interface] section.
type Interface struct {
	PrivateKey string
	Address    string
	ListenPort string
	MTU        string
	PreUp      []string
	PreDown    []string
	PostUp     []string
	PostDown   []string
	Table      string
	SaveConfig string
	AWG        map[string]string
	Extra      []KV
}

// PeerBlock is one [Peer] section.
type PeerBlock struct {
	Name                string
	PublicKey           string
	PresharedKey        string
	AllowedIPs          string
	Endpoint            string
	PersistentKeepalive string
	Extra               []KV
}

// File is a parsed configuration file.
type File struct {
	Header    []string
	Interface Interface
	Peers     []PeerBlock

	// ExpectedPublicKey, when set, must match the interface private key on write.
	ExpectedPublicKey string

	mtime time.Time
}

func splitKV(line string) (string, string, bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

// Parse reads a configuration file. [Peer] blocks may repeat.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	f.Interface.AWG = map[string]string{}
	section := ""
	var peer *PeerBlock
	seenInterface := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := strings.TrimRight(sc.Text(), "\r")
		line := strings.TrimSpace(raw)

		switch {
		case strings.EqualFold(line, "[Interface]"):
			if seenInterface {
				return nil, model.Invalid("parse config", "line %d: duplicate [Interface]", lineNo)
			}
			seenInterface = true
			section = "interface"
			continue
		case strings.EqualFold(line, "[Peer]"):
			if !seenInterface {
				return nil, model.Invalid("parse config", "line %d: [Peer] before [Interface]", lineNo)
			}
			f.Peers = append(f.Peers, PeerBlock{})
			peer = &f.Peers[len(f.Peers)-1]
			section = "peer"
			continue
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			return nil, model.Invalid("parse config", "line %d: unknown section %s", lineNo, line)
		}

		if section == "" {
			if line != "" {
				f.Header = append(f.Header, raw)
			}
			continue
		}
		if line == "" {
			continue
		}

		if section == "peer" {
			if strings.HasPrefix(line, "#Name#") {
				if _, v, ok := splitKV(line); ok {
					peer.Name = v
				}
				continue
			}
			if strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
				peer.Extra = append(peer.Extra, KV{Value: raw})
				continue
			}
			k, v, ok := splitKV(line)
			if !ok {
				return nil, model.Invalid("parse config", "line %d: expected key = value", lineNo)
			}
			setPeerKey(peer, k, v)
			continue
		}

		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			f.Interface.Extra = append(f.Interface.Extra, KV{Value: raw})
			continue
		}
		k, v, ok := splitKV(line)
		if !ok {
			return nil, model.Invalid("parse config", "line %d: expected key = value", lineNo)
		}
		f.Interface.set(k, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if !seenInterface {
		return nil, model.Invalid("parse config", "missing [Interface] section")
	}
	for i, p := range f.Peers {
		if p.PublicKey == "" {
			return nil, model.Invalid("parse config", "peer block %d has no PublicKey", i+1)
		}
	}
	return f, nil
}

func setPeerKey(p *PeerBlock, k, v string) {
	switch strings.ToLower(k) {
	case "publickey":
		p.PublicKey = v
	case "presharedkey":
		p.PresharedKey = v
	case "allowedips":
		if p.AllowedIPs != "" {
			v = p.AllowedIPs + ", " + v
		}
		p.AllowedIPs = v
	case "endpoint":
		p.Endpoint = v
	case "persistentkeepalive":
		p.PersistentKeepalive = v
	default:
		p.Extra = append(p.Extra, KV{Key: k, Value: v})
	}
}

func (in *Interface) set(k, v string) {
	for _, a := range AWGKeys {
		if strings.EqualFold(k, a) {
			in.AWG[a] = v
			return
		}
	}
	switch strings.ToLower(k) {
	case "privatekey":
		in.PrivateKey = v
	case "address":
		if in.Address != "" {
			v = in.Address + ", " + v
		}
		in.Address = v
	case "listenport":
		in.ListenPort = v
	case "mtu":
		in.MTU = v
	case "preup":
		in.PreUp = append(in.PreUp, v)
	case "predown":
		in.PreDown = append(in.PreDown, v)
	case "postup":
		in.PostUp = append(in.PostUp, v)
	case "postdown":
		in.PostDown = append(in.PostDown, v)
	case "table":
		in.Table = v
	case "saveconfig":
		in.SaveConfig = v
	default:
		in.Extra = append(in.Extra, KV{Key: k, Value: v})
	}
}

// Protocol reports awg when any AmneziaWG header parameter is present.
func (f *File) Protocol() string {
	for _, k := range awgDetectKeys {
		if _, ok := f.Interface.AWG[k]; ok {
			return model.ProtocolAWG
		}
	}
	return model.ProtocolWG
}

// Validate checks key agreement between the private and expected public key.
func (f *File) Validate() error {
	if f.ExpectedPublicKey == "" || f.Interface.PrivateKey == "" {
		return nil
	}
	pub, err := PublicKeyOf(f.Interface.PrivateKey)
	if err != nil {
		return err
	}
	if pub != f.ExpectedPublicKey {
		return model.Invalid("write config", "public key does not match private key")
	}
	return nil
}

// WriteTo emits the file in canonical order.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	var b bytes.Buffer
	for _, h := range f.Header {
		b.WriteString(h + "\n")
	}
	in := &f.Interface
	b.WriteString("[Interface]\n")
	kv := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s = %s\n", k, v)
		}
	}
	kv("PrivateKey", in.PrivateKey)
	kv("Address", in.Address)
	kv("ListenPort", in.ListenPort)
	kv("MTU", in.MTU)
	for _, hook := range []struct {
		key  string
		vals []string
	}{{"PreUp", in.PreUp}, {"PreDown", in.PreDown}, {"PostUp", in.PostUp}, {"PostDown", in.PostDown}} {
		for _, v := range hook.vals {
			kv(hook.key, v)
		}
	}
	kv("Table", in.Table)
	kv("SaveConfig", in.SaveConfig)
	for _, k := range AWGKeys {
		kv(k, in.AWG[k])
	}
	writeExtra(&b, in.Extra)

	for _, p := range f.Peers {
		b.WriteString("\n[Peer]\n")
		if p.Name != "" {
			fmt.Fprintf(&b, "#Name# = %s\n", p.Name)
		}
		kv("PublicKey", p.PublicKey)
		kv("PresharedKey", p.PresharedKey)
		kv("AllowedIPs", p.AllowedIPs)
		kv("Endpoint", p.Endpoint)
		kv("PersistentKeepalive", p.PersistentKeepalive)
		writeExtra(&b, p.Extra)
	}
	n, err := w.Write(b.Bytes())
	return int64(n), err
}

func writeExtra(b *bytes.Buffer, extra []KV) {
	for _, e := range extra {
		if e.Key == "" {
			b.WriteString(e.Value + "\n")
			continue
		}
		fmt.Fprintf(b, "%s = %s\n", e.Key, e.Value)
	}
}

// Bytes renders the file.
func (f *File) Bytes() ([]byte, error) {
	var b bytes.Buffer
	if _, err := f.WriteTo(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Load parses path and records its mtime. The public key derived from the
// interface private key is pinned as ExpectedPublicKey, so a later write
// with a different private key is rejected.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	st, err := fh.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	f, err := Parse(fh)
	if err != nil {
		return nil, err
	}
	f.mtime = st.ModTime()
	if pub, err := PublicKeyOf(f.Interface.PrivateKey); err == nil {
		f.ExpectedPublicKey = pub
	}
	return f, nil
}

// HasChanged reports whether path was modified since Load or Save.
func (f *File) HasChanged(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		return true
	}
	return !st.ModTime().Equal(f.mtime)
}

// Save writes path.tmp and renames it into place.
func (f *File) Save(path string) error {
	data, err := f.Bytes()
	if err != nil {
		return err
	}
	if err := WriteAtomic(path, data, 0o600); err != nil {
		return err
	}
	if st, err := os.Stat(path); err == nil {
		f.mtime = st.ModTime()
	}
	return nil
}

// WriteAtomic writes data next to path and renames it into place.
func WriteAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Peer returns the block for pk, or nil.
func (f *File) Peer(pk string) *PeerBlock {
	for i := range f.Peers {
		if f.Peers[i].PublicKey == pk {
			return &f.Peers[i]
		}
	}
	return nil
}

// AddPeer appends a block. Duplicate public keys are rejected.
func (f *File) AddPeer(p PeerBlock) error {
	if p.PublicKey == "" {
		return model.Invalid("add peer block", "public key required")
	}
	if f.Peer(p.PublicKey) != nil {
		return model.Conflict("add peer block", "peer %s already in file", p.PublicKey)
	}
	f.Peers = append(f.Peers, p)
	return nil
}

// RemovePeer drops the block for pk and reports whether it existed.
func (f *File) RemovePeer(pk string) bool {
	for i := range f.Peers {
		if f.Peers[i].PublicKey == pk {
			f.Peers = append(f.Peers[:i], f.Peers[i+1:]...)
			return true
		}
	}
	return false
}

func (f *File) SetPeerAllowedIPs(pk, ips string) error {
	p := f.Peer(pk)
	if p == nil {
		return fmt.Errorf("peer block %s: %w", pk, model.ErrNotFound)
	}
	p.AllowedIPs = ips
	return nil
}

// Clone returns a deep copy, used to revert a failed write.
func (f *File) Clone() *File {
	c := *f
	c.Header = append([]string(nil), f.Header...)
	c.Interface.PreUp = append([]string(nil), f.Interface.PreUp...)
	c.Interface.PreDown = append([]string(nil), f.Interface.PreDown...)
	c.Interface.PostUp = append([]string(nil), f.Interface.PostUp...)
	c.Interface.PostDown = append([]string(nil), f.Interface.PostDown...)
	c.Interface.Extra = append([]KV(nil), f.Interface.Extra...)
	c.Interface.AWG = make(map[string]string, len(f.Interface.AWG))
	for k, v := range f.Interface.AWG {
		c.Interface.AWG[k] = v
	}
	c.Peers = make([]PeerBlock, len(f.Peers))
	for i, p := range f.Peers {
		p.Extra = append([]KV(nil), p.Extra...)
		c.Peers[i] = p
	}
	return &c
}

// Addresses parses the interface Address list.
func (in *Interface) Addresses() ([]netip.Prefix, error) {
	return ParsePrefixes(in.Address)
}

// ParsePrefixes parses a comma separated CIDR list.
func ParsePrefixes(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, model.Invalid("parse address", "invalid CIDR %q", part)
		}
		out = append(out, p)
	}
	return out, nil
}

// Port returns the parsed ListenPort, or 0 when unset.
func (in *Interface) Port() int {
	n, _ := strconv.Atoi(in.ListenPort)
	return n
}

// AWGParams decodes the AmneziaWG parameters.
func (in *Interface) AWGParams() (model.AWGParams, error) {
	var p model.AWGParams
	ints := map[string]*int{"Jc": &p.Jc, "Jmin": &p.Jmin, "Jmax": &p.Jmax, "S1": &p.S1, "S2": &p.S2}
	for k, dst := range ints {
		if v, ok := in.AWG[k]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return p, model.Invalid("parse awg params", "%s: %q is not an integer", k, v)
			}
			*dst = n
		}
	}
	hs := map[string]*uint32{"H1": &p.H1, "H2": &p.H2, "H3": &p.H3, "H4": &p.H4}
	for k, dst := range hs {
		if v, ok := in.AWG[k]; ok {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return p, model.Invalid("parse awg params", "%s: %q is not a uint32", k, v)
			}
			*dst = uint32(n)
		}
	}
	p.I1, p.I2, p.I3, p.I4, p.I5 = in.AWG["I1"], in.AWG["I2"], in.AWG["I3"], in.AWG["I4"], in.AWG["I5"]
	return p, nil
}

// SetAWGParams replaces the AmneziaWG parameters.
func (in *Interface) SetAWGParams(p model.AWGParams) {
	if in.AWG == nil {
		in.AWG = map[string]string{}
	}
	set := func(k, v string) {
		if v == "" {
			delete(in.AWG, k)
			return
		}
		in.AWG[k] = v
	}
	set("Jc", strconv.Itoa(p.Jc))
	set("Jmin", strconv.Itoa(p.Jmin))
	set("Jmax", strconv.Itoa(p.Jmax))
	set("S1", strconv.Itoa(p.S1))
	set("S2", strconv.Itoa(p.S2))
	set("H1", strconv.FormatUint(uint64(p.H1), 10))
	set("H2", strconv.FormatUint(uint64(p.H2), 10))
	set("H3", strconv.FormatUint(uint64(p.H3), 10))
	set("H4", strconv.FormatUint(uint64(p.H4), 10))
	set("I1", p.I1)
	set("I2", p.I2)
	set("I3", p.I3)
	set("I4", p.I4)
	set("I5", p.I5)
}
