// Package factory builds a firewall.Gateway for a stored firewall
// config. It lives outside internal/firewall itself because both
// driver packages import internal/firewall for the shared Gateway
// interface and helpers; a factory living there would cycle back.
package factory

import (
	"fmt"

	"mimosa/internal/firewall"
	"mimosa/internal/firewall/opnsense"
	"mimosa/internal/firewall/pfsense"
	"mimosa/internal/model"
)

// Build constructs the driver matching cfg.Type.
func Build(cfg model.FirewallConfig) (firewall.Gateway, error) {
	switch cfg.Type {
	case model.FirewallOPNsense:
		return opnsense.New(cfg), nil
	case model.FirewallPfSense:
		return pfsense.New(cfg), nil
	default:
		return nil, fmt.Errorf("factory: unknown firewall type %q", cfg.Type)
	}
}
