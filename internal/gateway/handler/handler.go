// Package handler exposes the gateway's HTTP surface: chat relay, token
// issuance, and the admin registration endpoints.
package handler

import (
	"modelgate/internal/gateway/admission"
	"modelgate/internal/gateway/auth"
	"modelgate/internal/gateway/config"
	"modelgate/internal/gateway/relay"
	"modelgate/internal/gateway/repository/ledger"
)

// Service implements all gateway endpoints.
type Service struct {
	cfg    *config.Config
	gate   *admission.Gate
	relay  *relay.Relay
	ledger ledger.Store
	issuer auth.Issuer
}

func NewService(cfg *config.Config, gate *admission.Gate, rel *relay.Relay, store ledger.Store) *Service {
	return &Service{
		cfg:    cfg,
		gate:   gate,
		relay:  rel,
		ledger: store,
		issuer: auth.Issuer{Secret: cfg.TokenSecret, TTL: cfg.TokenTTL},
	}
}
