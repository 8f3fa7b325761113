package sync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/invoice"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
	"github.com/ledgersync/ledgersync/internal/store"
)

// fakeDefinition registers the in-package fake connector under a vendor kind.
type fakeDefinition struct {
	kind    string
	connect func(connectionID string) registry.Connector
}

func (d fakeDefinition) Kind() string        { return d.kind }
func (d fakeDefinition) DisplayName() string { return strings.ToUpper(d.kind) }

func (d fakeDefinition) DecodeConfig(raw []byte) (any, error) {
	var cfg map[string]string
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (d fakeDefinition) ValidateConfig(cfg any) error {
	m, ok := cfg.(map[string]string)
	if !ok {
		return errors.New("unexpected config shape")
	}
	if m["broken"] == "true" {
		return errors.New("config rejected")
	}
	return nil
}

func (d fakeDefinition) AccountName(cfg any) string { return "acct" }

func (d fakeDefinition) Budget() ratelimit.Budget { return ratelimit.Budget{} }

func (d fakeDefinition) NewConnector(connectionID string, cfg any, deps registry.Deps) (registry.Connector, error) {
	return d.connect(connectionID), nil
}

func TestRunOnceSyncsEveryConnection(t *testing.T) {
	var built int64
	reg := registry.NewRegistry()
	if err := reg.Register(fakeDefinition{kind: "fake", connect: func(id string) registry.Connector {
		atomic.AddInt64(&built, 1)
		return &fakeConnector{
			invoicePages: []registry.InvoicePage{{Invoices: []invoice.Invoice{{ExternalID: "inv-" + id}}}},
		}
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	creds := credstore.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := creds.Put(ctx, credstore.Connection{ID: id, Vendor: "fake", Config: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	sink := store.NewMemorySink()
	runner := &Runner{Registry: reg, Creds: creds, Sink: sink}

	if err := runner.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := atomic.LoadInt64(&built); got != 3 {
		t.Fatalf("expected 3 connectors built, got %d", got)
	}
	if got := sink.InvoiceCount("fake", "acct"); got != 3 {
		t.Fatalf("expected one invoice per connection, got %d", got)
	}
	if got := len(sink.Runs()); got != 3 {
		t.Fatalf("expected 3 run records, got %d", got)
	}
}

func TestRunOnceJoinsFailuresWithoutBlockingOthers(t *testing.T) {
	reg := registry.NewRegistry()
	if err := reg.Register(fakeDefinition{kind: "fake", connect: func(id string) registry.Connector {
		if id == "bad" {
			return &fakeConnector{authErr: errors.New("denied")}
		}
		return &fakeConnector{
			invoicePages: []registry.InvoicePage{{Invoices: []invoice.Invoice{{ExternalID: "inv-" + id}}}},
		}
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	creds := credstore.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"good", "bad"} {
		if err := creds.Put(ctx, credstore.Connection{ID: id, Vendor: "fake", Config: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	sink := store.NewMemorySink()
	runner := &Runner{Registry: reg, Creds: creds, Sink: sink}

	err := runner.RunOnce(ctx)
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("expected joined error naming the failed connection, got %v", err)
	}
	if _, ok := sink.Invoice("fake", "acct", "inv-good"); !ok {
		t.Fatal("expected healthy connection synced despite sibling failure")
	}
}

func TestRunOnceSkipsUnknownVendor(t *testing.T) {
	reg := registry.NewRegistry()
	creds := credstore.NewMemoryStore()
	ctx := context.Background()
	if err := creds.Put(ctx, credstore.Connection{ID: "c1", Vendor: "greatplains", Config: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	runner := &Runner{Registry: reg, Creds: creds, Sink: store.NewMemorySink()}
	err := runner.RunOnce(ctx)
	if err == nil || !strings.Contains(err.Error(), "unknown vendor") {
		t.Fatalf("expected unknown vendor error, got %v", err)
	}
}

func TestBuildConnectorValidatesConfig(t *testing.T) {
	reg := registry.NewRegistry()
	if err := reg.Register(fakeDefinition{kind: "fake", connect: func(id string) registry.Connector {
		return &fakeConnector{}
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	runner := &Runner{Registry: reg, Creds: credstore.NewMemoryStore()}
	_, err := runner.BuildConnector(credstore.Connection{ID: "c1", Vendor: "fake", Config: json.RawMessage(`{"broken":"true"}`)})
	if err == nil || !strings.Contains(err.Error(), "validate fake config") {
		t.Fatalf("expected validation error, got %v", err)
	}
}
