package netsuite

import (
	"fmt"

	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
)

// Definition registers the NetSuite vendor.
type Definition struct{}

func (Definition) Kind() string        { return Kind }
func (Definition) DisplayName() string { return "NetSuite" }

func (Definition) DecodeConfig(raw []byte) (any, error) {
	cfg, err := credstore.DecodeNetSuiteConfig(raw)
	if err != nil {
		return nil, err
	}
	return cfg.Normalized(), nil
}

func (Definition) ValidateConfig(cfg any) error {
	c, ok := cfg.(credstore.NetSuiteConfig)
	if !ok {
		return fmt.Errorf("expected NetSuiteConfig, got %T", cfg)
	}
	return c.Validate()
}

func (Definition) AccountName(cfg any) string {
	c, ok := cfg.(credstore.NetSuiteConfig)
	if !ok {
		return ""
	}
	return c.Normalized().AccountID
}

func (Definition) Budget() ratelimit.Budget { return Budget() }

func (Definition) NewConnector(_ string, cfg any, deps registry.Deps) (registry.Connector, error) {
	c, ok := cfg.(credstore.NetSuiteConfig)
	if !ok {
		return nil, fmt.Errorf("expected NetSuiteConfig, got %T", cfg)
	}
	return NewClient(c, deps)
}
