package model

import "regexp"

const (
	ProtocolWG  = "wg"
	ProtocolAWG = "awg"
)

var tunnelNameRe = regexp.MustCompile(`^[A-Za-z0-9_=+.-]{1,15}$`)

// ValidTunnelName reports whether name is usable as an interface and table name.
func ValidTunnelName(name string) bool {
	return tunnelNameRe.MatchString(name)
}

// Tunnel is the summary view of one interface.
type Tunnel struct {
	Name       string   `json:"name"`
	Protocol   string   `json:"protocol"`
	PublicKey  string   `json:"public_key"`
	Address    []string `json:"address"`
	ListenPort int      `json:"listen_port"`
	MTU        int      `json:"mtu,omitempty"`
	Status     bool     `json:"status"`
	ConfPath   string   `json:"conf_path"`
	PeerCount  int      `json:"peer_count"`
	Restricted int      `json:"restricted_count"`
}

// AWGParams are the AmneziaWG header-obfuscation parameters.
type AWGParams struct {
	Jc   int    `json:"Jc"`
	Jmin int    `json:"Jmin"`
	Jmax int    `json:"Jmax"`
	S1   int    `json:"S1"`
	S2   int    `json:"S2"`
	H1   uint32 `json:"H1"`
	H2   uint32 `json:"H2"`
	H3   uint32 `json:"H3"`
	H4   uint32 `json:"H4"`
	I1   string `json:"I1,omitempty"`
	I2   string `json:"I2,omitempty"`
	I3   string `json:"I3,omitempty"`
	I4   string `json:"I4,omitempty"`
	I5   string `json:"I5,omitempty"`
}

// TLSPipeRoute is the per-tunnel TLS wrapper configuration.
type TLSPipeRoute struct {
	Tunnel        string `json:"configuration"`
	TLSPort       int    `json:"tls_port"`
	WGPort        int    `json:"wg_port"`
	Password      string `json:"-"`
	PasswordEnc   string `json:"-"`
	TLSServerName string `json:"tls_servername,omitempty"`
	TLSCertFile   string `json:"tls_certfile,omitempty"`
	TLSKeyFile    string `json:"tls_keyfile,omitempty"`
	Enabled       bool   `json:"enabled"`
}
