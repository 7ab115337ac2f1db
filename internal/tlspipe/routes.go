package tlspipe

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"

	"github.com/wiregate/wiregate/internal/crypto"
	"github.com/wiregate/wiregate/internal/model"
)

var (
	validate = validator.New()

	// Passwords travel on the child's command line.
	passwordRe = regexp.MustCompile(`^[A-Za-z0-9_=+./:-]+$`)
)

func init() {
	validate.RegisterValidation("tunnelname", func(fl validator.FieldLevel) bool {
		return model.ValidTunnelName(fl.Field().String())
	})
	validate.RegisterValidation("pipepassword", func(fl validator.FieldLevel) bool {
		return passwordRe.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("servername", func(fl validator.FieldLevel) bool {
		_, ok := dns.IsDomainName(fl.Field().String())
		return ok
	})
}

// routeInput mirrors the validated fields of a route.
type routeInput struct {
	Tunnel        string `validate:"required,tunnelname"`
	TLSPort       int    `validate:"min=1,max=65535,nefield=WGPort"`
	WGPort        int    `validate:"min=1,max=65535"`
	Password      string `validate:"required,min=8,max=128,pipepassword"`
	TLSServerName string `validate:"omitempty,max=253,servername"`
	TLSCertFile   string `validate:"required_with=TLSKeyFile,omitempty,startswith=/"`
	TLSKeyFile    string `validate:"required_with=TLSCertFile,omitempty,startswith=/"`
}

func checkRoute(r *model.TLSPipeRoute) error {
	in := routeInput{
		Tunnel:        r.Tunnel,
		TLSPort:       r.TLSPort,
		WGPort:        r.WGPort,
		Password:      r.Password,
		TLSServerName: r.TLSServerName,
		TLSCertFile:   r.TLSCertFile,
		TLSKeyFile:    r.TLSKeyFile,
	}
	if err := validate.Struct(&in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return model.Invalid("validate tlspipe route", "%v", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
		return model.Invalid("validate tlspipe route", "%s", strings.Join(msgs, "; "))
	}
	return nil
}

// Enable stores r with its password sealed and starts the child. A zero
// WGPort is filled from the tunnel's listen port.
func (s *Supervisor) Enable(ctx context.Context, r model.TLSPipeRoute) error {
	if r.WGPort == 0 && s.ports != nil {
		port, err := s.ports.ListenPort(r.Tunnel)
		if err != nil {
			return err
		}
		r.WGPort = port
	}
	r.Enabled = true
	if err := checkRoute(&r); err != nil {
		return err
	}
	enc, err := crypto.Encrypt([]byte(r.Password), s.masterKey)
	if err != nil {
		return model.Internal("seal tlspipe password", err)
	}
	stored := r
	stored.Password, stored.PasswordEnc = "", enc
	if err := s.store.UpsertTLSPipeRoute(ctx, &stored); err != nil {
		return fmt.Errorf("save tlspipe route: %w", err)
	}
	return s.Ensure(ctx, r)
}

// Disable stops the child and forgets the route.
func (s *Supervisor) Disable(ctx context.Context, tunnel string) error {
	if err := s.Stop(ctx, tunnel); err != nil {
		return err
	}
	if err := s.store.DeleteTLSPipeRoute(ctx, tunnel); err != nil {
		return fmt.Errorf("delete tlspipe route: %w", err)
	}
	s.logger.Info().Str("tunnel", tunnel).Msg("tlspipe disabled")
	return nil
}

// Routes returns the stored routes with passwords left sealed.
func (s *Supervisor) Routes(ctx context.Context) ([]model.TLSPipeRoute, error) {
	return s.store.ListTLSPipeRoutes(ctx)
}

// Resume starts a child for every enabled stored route. A route that cannot
// be opened or started is logged and skipped.
func (s *Supervisor) Resume(ctx context.Context) error {
	routes, err := s.store.ListTLSPipeRoutes(ctx)
	if err != nil {
		return fmt.Errorf("list tlspipe routes: %w", err)
	}
	started := 0
	for _, r := range routes {
		if !r.Enabled {
			continue
		}
		plain, err := crypto.Decrypt(r.PasswordEnc, s.masterKey)
		if err != nil {
			s.logger.Error().Err(err).Str("tunnel", r.Tunnel).Msg("tlspipe password unreadable, was the master key changed?")
			continue
		}
		r.Password = string(plain)
		if err := s.Ensure(ctx, r); err != nil {
			s.logger.Error().Err(err).Str("tunnel", r.Tunnel).Msg("resume tlspipe failed")
			continue
		}
		started++
	}
	s.logger.Info().Int("routes", len(routes)).Int("started", started).Msg("tlspipe routes resumed")
	return nil
}
