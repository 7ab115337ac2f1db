package model

// CPS protocols.
const (
	CPSProtocolHTTPGet      = "http_get"
	CPSProtocolHTTPResponse = "http_response"
	CPSProtocolDNS          = "dns"
	CPSProtocolQUIC         = "quic"
	CPSProtocolJSON         = "json"
)

// CPSProtocols lists the supported protocols in a stable order.
var CPSProtocols = []string{
	CPSProtocolHTTPGet,
	CPSProtocolHTTPResponse,
	CPSProtocolDNS,
	CPSProtocolQUIC,
	CPSProtocolJSON,
}

// CPSPattern is one stored packet-signature template.
type CPSPattern struct {
	ID         string         `json:"id" yaml:"id"`
	Protocol   string         `json:"protocol" yaml:"protocol"`
	CPSPattern string         `json:"cps_pattern" yaml:"cps_pattern"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}
