package shaping

import (
	"net/netip"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassIDs(t *testing.T) {
	re := regexp.MustCompile(`^1:[0-9a-f]{1,3}[12]$`)
	up, down := UploadClass(testPeer), DownloadClass(testPeer)

	assert.Regexp(t, re, up)
	assert.Regexp(t, re, down)
	assert.Equal(t, up[:len(up)-1], down[:len(down)-1])
	assert.Equal(t, up, UploadClass(testPeer))
	assert.NotEqual(t, DownloadClass("peer-a"), DownloadClass("peer-b"))
	assert.NotEqual(t, "1:99", DownloadClass("peer-a"))
}

func TestValidBandwidth(t *testing.T) {
	for s, want := range map[string]bool{
		"100bit":   true,
		"1.5mbit":  true,
		"10gbit":   true,
		"64kbit":   true,
		"100":      false,
		"1.mbit":   false,
		"10 mbit":  false,
		"10mbps":   false,
		"-10kbit":  false,
		"10kbit;x": false,
	} {
		assert.Equal(t, want, ValidBandwidth(s), s)
	}
}

func TestMatchKeys(t *testing.T) {
	tests := []struct {
		prefix string
		dir    string
		want   []string
	}{
		{"10.0.0.2/32", "src", []string{"0a000002/ffffffff at 12"}},
		{"10.0.0.2/32", "dst", []string{"0a000002/ffffffff at 16"}},
		{"10.1.0.0/16", "dst", []string{"0a010000/ffff0000 at 16"}},
		{"fd00::2/128", "src", []string{
			"fd000000/ffffffff at 8",
			"00000000/ffffffff at 12",
			"00000000/ffffffff at 16",
			"00000002/ffffffff at 20",
		}},
		{"fd00:0:0:7::/64", "dst", []string{
			"fd000000/ffffffff at 24",
			"00000007/ffffffff at 28",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.prefix+"/"+tt.dir, func(t *testing.T) {
			assert.Equal(t, tt.want, matchKeys(netip.MustParsePrefix(tt.prefix), tt.dir))
		})
	}
}

func TestParseAllowed(t *testing.T) {
	got, err := parseAllowed("10.0.0.2/32, fd00::2, 10.0.1.7/24")
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.2/32"),
		netip.MustParsePrefix("fd00::2/128"),
		netip.MustParsePrefix("10.0.1.0/24"),
	}, got)

	_, err = parseAllowed(" , ")
	assert.Error(t, err)
}

func TestParseFilters(t *testing.T) {
	out := `filter parent ffff: protocol ip pref 1 u32 chain 0
filter parent ffff: protocol ip pref 1 u32 chain 0 fh 800: ht divisor 1
filter parent ffff: protocol ip pref 1 u32 chain 0 fh 800::800 order 2048 key ht 800 bkt 0 terminal flowid ??? not_in_hw
  match 0a000002/ffffffff at 12
	action order 1: mirred (Egress Redirect to device ifb-wg0) stolen
	index 1 ref 1 bind 1
filter parent ffff: protocol ipv6 pref 2 u32 chain 0 fh 801::800 order 2048 key ht 801 bkt 0 flowid 1:a32 not_in_hw
  match fd000000/ffffffff at 24
  match 00000002/ffffffff at 36
`
	got := parseFilters(out)
	require.Len(t, got, 2)

	assert.Equal(t, filterEntry{
		Protocol: "ip", Pref: "1", Handle: "800::800", FlowID: "???",
		Matches:  []string{"0a000002/ffffffff at 12"},
		Redirect: "ifb-wg0",
	}, got[0])
	assert.Equal(t, "ipv6", got[1].Protocol)
	assert.Equal(t, "2", got[1].Pref)
	assert.Equal(t, "1:a32", got[1].FlowID)
	assert.True(t, got[1].hasMatches([]string{"fd000000/ffffffff at 24"}))
	assert.False(t, got[1].hasMatches(nil))
}

func TestParseQdiscStats(t *testing.T) {
	out := `qdisc htb 1: root refcnt 2 r2q 10 default 0x99 direct_packets_stat 3 direct_qlen 1000
 Sent 123456 bytes 789 pkt (dropped 4, overlimits 56 requeues 1)
 backlog 0b 0p requeues 1
qdisc ingress ffff: parent ffff:fff1 ----------------
 Sent 42 bytes 1 pkt (dropped 0, overlimits 0 requeues 0)
 backlog 0b 0p requeues 0
`
	got := ParseQdiscStats("wg0", out)
	require.Len(t, got, 2)
	assert.Equal(t, QdiscStats{
		Device: "wg0", Kind: "htb", Handle: "1:", Parent: "root",
		SentBytes: 123456, SentPackets: 789, Dropped: 4, Overlimits: 56, Requeues: 1,
	}, got[0])
	assert.Equal(t, "ingress", got[1].Kind)
	assert.Equal(t, "ffff:fff1", got[1].Parent)
	assert.Equal(t, uint64(42), got[1].SentBytes)
}

func TestIFBName(t *testing.T) {
	name, err := IFBName("wg0")
	require.NoError(t, err)
	assert.Equal(t, "ifb-wg0", name)

	_, err = IFBName("abcdefghijkl")
	assert.Error(t, err)
}
