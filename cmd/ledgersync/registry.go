package main

import (
	"log/slog"
	"net/http"

	"github.com/ledgersync/ledgersync/internal/config"
	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/connectors/dynamics"
	"github.com/ledgersync/ledgersync/internal/connectors/netsuite"
	"github.com/ledgersync/ledgersync/internal/connectors/quickbooks"
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/connectors/sapb1"
	"github.com/ledgersync/ledgersync/internal/connectors/xero"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
	"github.com/ledgersync/ledgersync/internal/store"
	appsync "github.com/ledgersync/ledgersync/internal/sync"
	"github.com/ledgersync/ledgersync/internal/webhook"
)

func buildRegistry() (*registry.Registry, error) {
	reg := registry.NewRegistry()
	for _, def := range []registry.Definition{
		dynamics.Definition{},
		netsuite.Definition{},
		quickbooks.Definition{},
		sapb1.Definition{},
		xero.Definition{},
	} {
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildRunner(cfg config.Config, creds credstore.Store, sink store.Sink, resync *webhook.Queue, logger *slog.Logger) (*appsync.Runner, error) {
	reg, err := buildRegistry()
	if err != nil {
		return nil, err
	}
	return &appsync.Runner{
		Registry:   reg,
		Creds:      creds,
		Sink:       sink,
		Limiter:    ratelimit.New(ratelimit.WithMaxWait(cfg.ThrottleMaxWait)),
		Resync:     resync,
		Reporter:   &appsync.LogReporter{Logger: logger},
		Logger:     logger,
		MaxPages:   cfg.MaxPagesPerDirection,
		MaxRecords: cfg.MaxRecordsPerDirection,
		HTTP:       &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}
