package core

import (
	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/store"
)

type Services struct {
	APIKey    *APIKeyService
	ShareLink *ShareLinkService
}

func NewServices(st store.RecordStore, tunnels Tunnels, defaults model.PeerDefaults, logger zerolog.Logger) *Services {
	return &Services{
		APIKey:    NewAPIKeyService(st, logger),
		ShareLink: NewShareLinkService(st, tunnels, defaults, logger),
	}
}
