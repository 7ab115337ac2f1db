package model

import "time"

// Peer is a row in a tunnel's peer tables.
type Peer struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	PrivateKey        string  `json:"private_key"`
	PresharedKey      string  `json:"preshared_key"`
	AllowedIP         string  `json:"allowed_ip"`
	DNS               string  `json:"DNS"`
	EndpointAllowedIP string  `json:"endpoint_allowed_ip"`
	MTU               int     `json:"mtu"`
	Keepalive         int     `json:"keepalive"`
	RemoteEndpoint    string  `json:"remote_endpoint"`
	UploadRateLimit   int     `json:"upload_rate_limit"`
	DownloadRateLimit int     `json:"download_rate_limit"`
	SchedulerType     string  `json:"scheduler_type"`
	Endpoint          string  `json:"endpoint"`
	LatestHandshake   string  `json:"latest_handshake"`
	Status            string  `json:"status"`
	TotalReceive      float64 `json:"total_receive"`
	TotalSent         float64 `json:"total_sent"`
	TotalData         float64 `json:"total_data"`
	CumuReceive       float64 `json:"cumu_receive"`
	CumuSent          float64 `json:"cumu_sent"`
	CumuData          float64 `json:"cumu_data"`

	Traffic []TrafficPoint `json:"traffic,omitempty"`
}

// LifetimeReceive is cumulative plus current-session receive, in GiB.
func (p *Peer) LifetimeReceive() float64 { return p.CumuReceive + p.TotalReceive }

// LifetimeSent is cumulative plus current-session sent, in GiB.
func (p *Peer) LifetimeSent() float64 { return p.CumuSent + p.TotalSent }

// LifetimeData is the sum of both directions over all sessions.
func (p *Peer) LifetimeData() float64 { return p.LifetimeReceive() + p.LifetimeSent() }

// TrafficPoint is one realtime rate sample in MB/s.
type TrafficPoint struct {
	Time    time.Time `json:"time"`
	Receive float64   `json:"receive"`
	Sent    float64   `json:"sent"`
}

// TransferSample is one row of a tunnel's transfer history.
type TransferSample struct {
	PeerID       string    `json:"id"`
	TotalReceive float64   `json:"total_receive"`
	TotalSent    float64   `json:"total_sent"`
	TotalData    float64   `json:"total_data"`
	CumuReceive  float64   `json:"cumu_receive"`
	CumuSent     float64   `json:"cumu_sent"`
	CumuData     float64   `json:"cumu_data"`
	Time         time.Time `json:"time"`
}

// PeerDefaults are applied to peers created without explicit settings.
type PeerDefaults struct {
	DNS                string `json:"dns"`
	EndpointAllowedIP  string `json:"endpoint_allowed_ip"`
	MTU                int    `json:"mtu"`
	Keepalive          int    `json:"keepalive"`
	RemoteEndpoint     string `json:"remote_endpoint"`
	RemoteEndpointPort string `json:"remote_endpoint_port"`
}

// Apply fills zero-valued fields of p from d.
func (d PeerDefaults) Apply(p *Peer) {
	if p.DNS == "" {
		p.DNS = d.DNS
	}
	if p.EndpointAllowedIP == "" {
		p.EndpointAllowedIP = d.EndpointAllowedIP
	}
	if p.MTU == 0 {
		p.MTU = d.MTU
	}
	if p.Keepalive == 0 {
		p.Keepalive = d.Keepalive
	}
	if p.RemoteEndpoint == "" {
		p.RemoteEndpoint = d.RemoteEndpoint
	}
	if p.SchedulerType == "" {
		p.SchedulerType = SchedulerHTB
	}
	if p.Status == "" {
		p.Status = StatusStopped
	}
	if p.LatestHandshake == "" {
		p.LatestHandshake = NoHandshake
	}
}
