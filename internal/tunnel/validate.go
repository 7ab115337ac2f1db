package tunnel

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"

	"github.com/wiregate/wiregate/internal/logging"
	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/wgconf"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("wgkey", func(fl validator.FieldLevel) bool {
		return wgconf.ValidKey(fl.Field().String())
	})
	validate.RegisterValidation("dnslist", func(fl validator.FieldLevel) bool {
		return validateDNS(fl.Field().String()) == nil
	})
	validate.RegisterValidation("cidrlist", func(fl validator.FieldLevel) bool {
		_, err := wgconf.ParsePrefixes(fl.Field().String())
		return err == nil
	})
}

// NewPeer describes a peer to create. Empty keys are generated and an empty
// AllowedIP is assigned from the tunnel's free addresses.
type NewPeer struct {
	Name              string `json:"name" validate:"max=64"`
	PrivateKey        string `json:"private_key" validate:"omitempty,wgkey"`
	PublicKey         string `json:"public_key" validate:"omitempty,wgkey"`
	PresharedKey      string `json:"preshared_key" validate:"omitempty,wgkey"`
	AllowedIP         string `json:"allowed_ip" validate:"omitempty,cidrlist"`
	DNS               string `json:"DNS" validate:"omitempty,dnslist"`
	EndpointAllowedIP string `json:"endpoint_allowed_ip" validate:"omitempty,cidrlist"`
	MTU               int    `json:"mtu" validate:"min=0,max=1460"`
	Keepalive         int    `json:"keepalive" validate:"min=0"`
}

// PeerUpdate replaces the editable fields of a peer.
type PeerUpdate struct {
	Name              string `json:"name" validate:"max=64"`
	PrivateKey        string `json:"private_key" validate:"omitempty,wgkey"`
	PresharedKey      string `json:"preshared_key" validate:"omitempty,wgkey"`
	AllowedIP         string `json:"allowed_ip" validate:"required,cidrlist"`
	DNS               string `json:"DNS" validate:"omitempty,dnslist"`
	EndpointAllowedIP string `json:"endpoint_allowed_ip" validate:"omitempty,cidrlist"`
	MTU               int    `json:"mtu" validate:"min=0,max=1460"`
	Keepalive         int    `json:"keepalive" validate:"min=0"`
	RemoteEndpoint    string `json:"remote_endpoint" validate:"omitempty,hostname_rfc1123|ip"`
}

// checkStruct runs the tag rules and folds the failures into one InvalidInput.
func checkStruct(op string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.Invalid(op, "%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return model.Invalid(op, "%s", strings.Join(msgs, "; "))
}

// validateDNS accepts a comma separated list of IP addresses and domain names.
func validateDNS(s string) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return model.Invalid("validate dns", "empty entry in %q", s)
		}
		if _, err := netip.ParseAddr(part); err == nil {
			continue
		}
		if _, ok := dns.IsDomainName(part); !ok || !strings.Contains(strings.TrimSuffix(part, "."), ".") {
			return model.Invalid("validate dns", "%q is neither an IP address nor a domain name", part)
		}
	}
	return nil
}

// overlaps returns the first prefix in a that overlaps one in b.
func overlaps(a, b []netip.Prefix) (netip.Prefix, netip.Prefix, bool) {
	for _, x := range a {
		for _, y := range b {
			if x.Overlaps(y) {
				return x, y, true
			}
		}
	}
	return netip.Prefix{}, netip.Prefix{}, false
}

// checkHostRoutes rejects any prefix wider than a single address.
func checkHostRoutes(op string, allowed []netip.Prefix) error {
	for _, p := range allowed {
		if !p.IsSingleIP() {
			return model.Invalid(op, "%s is not a host route, use /%d", p, p.Addr().BitLen())
		}
	}
	return nil
}

// checkDisjoint rejects allowed IPs that overlap the interface's own
// addresses or any other peer's on the tunnel, restricted peers included.
func checkDisjoint(id string, allowed, iface []netip.Prefix, others []model.Peer) error {
	for _, own := range iface {
		host := netip.PrefixFrom(own.Addr(), own.Addr().BitLen())
		for _, x := range allowed {
			if x.Overlaps(host) {
				return model.Invalid("validate allowed ips", "%s is the interface address %s", x, own.Addr())
			}
		}
	}
	for i := range others {
		if others[i].ID == id {
			continue
		}
		theirs, err := wgconf.ParsePrefixes(others[i].AllowedIP)
		if err != nil {
			continue
		}
		if x, y, ok := overlaps(allowed, theirs); ok {
			return model.Invalid("validate allowed ips", "%s overlaps %s of peer %s", x, y, logging.TruncateKey(others[i].ID))
		}
	}
	return nil
}

// checkPrivateKey verifies that priv derives id.
func checkPrivateKey(id, priv string) error {
	pub, err := wgconf.PublicKeyOf(priv)
	if err != nil {
		return model.Invalid("validate private key", "%v", err)
	}
	if pub != id {
		return model.Invalid("validate private key", "private key does not match peer %s", logging.TruncateKey(id))
	}
	return nil
}

