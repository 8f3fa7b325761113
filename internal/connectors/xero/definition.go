package xero

import (
	"fmt"

	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
)

// Definition registers the Xero vendor.
type Definition struct{}

func (Definition) Kind() string        { return Kind }
func (Definition) DisplayName() string { return "Xero" }

func (Definition) DecodeConfig(raw []byte) (any, error) {
	cfg, err := credstore.DecodeXeroConfig(raw)
	if err != nil {
		return nil, err
	}
	return cfg.Normalized(), nil
}

func (Definition) ValidateConfig(cfg any) error {
	c, ok := cfg.(credstore.XeroConfig)
	if !ok {
		return fmt.Errorf("expected XeroConfig, got %T", cfg)
	}
	return c.Validate()
}

func (Definition) AccountName(cfg any) string {
	c, ok := cfg.(credstore.XeroConfig)
	if !ok {
		return ""
	}
	return c.Normalized().TenantID
}

func (Definition) Budget() ratelimit.Budget { return Budget() }

func (Definition) NewConnector(connectionID string, cfg any, deps registry.Deps) (registry.Connector, error) {
	c, ok := cfg.(credstore.XeroConfig)
	if !ok {
		return nil, fmt.Errorf("expected XeroConfig, got %T", cfg)
	}
	return NewClient(connectionID, c, deps)
}
