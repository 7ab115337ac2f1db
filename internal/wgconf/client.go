package wgconf

import (
	"net"
	"strconv"

	"github.com/wiregate/wiregate/internal/logging"
	"github.com/wiregate/wiregate/internal/model"
)

// ServerInfo is what a client needs to know about the tunnel it joins.
type ServerInfo struct {
	PublicKey  string
	ListenPort int
	Protocol   string
	AWG        model.AWGParams
}

// ClientConfig renders the client-side configuration for p. Fields left
// empty on the peer fall back to defaults.
func ClientConfig(p *model.Peer, srv ServerInfo, defaults model.PeerDefaults) (string, error) {
	if p.PrivateKey == "" {
		return "", model.Conflict("client config", "peer %s has no stored private key", logging.TruncateKey(p.ID))
	}

	dns := firstNonEmpty(p.DNS, defaults.DNS)
	allowed := firstNonEmpty(p.EndpointAllowedIP, defaults.EndpointAllowedIP)
	mtu := p.MTU
	if mtu == 0 {
		mtu = defaults.MTU
	}
	keepalive := p.Keepalive
	if keepalive == 0 {
		keepalive = defaults.Keepalive
	}
	host := firstNonEmpty(p.RemoteEndpoint, defaults.RemoteEndpoint)
	port := firstNonEmpty(defaults.RemoteEndpointPort, strconv.Itoa(srv.ListenPort))

	f := &File{Interface: Interface{
		PrivateKey: p.PrivateKey,
		Address:    p.AllowedIP,
		AWG:        map[string]string{},
	}}
	if dns != "" {
		f.Interface.Extra = append(f.Interface.Extra, KV{Key: "DNS", Value: dns})
	}
	if mtu > 0 {
		f.Interface.MTU = strconv.Itoa(mtu)
	}
	if srv.Protocol == model.ProtocolAWG {
		f.Interface.SetAWGParams(srv.AWG)
	}

	peer := PeerBlock{
		PublicKey:    srv.PublicKey,
		PresharedKey: p.PresharedKey,
		AllowedIPs:   allowed,
	}
	if host != "" {
		peer.Endpoint = net.JoinHostPort(host, port)
	}
	if keepalive > 0 {
		peer.PersistentKeepalive = strconv.Itoa(keepalive)
	}
	f.Peers = []PeerBlock{peer}

	data, err := f.Bytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

