package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
	"github.com/ledgersync/ledgersync/internal/store"
	"github.com/ledgersync/ledgersync/internal/webhook"
)

const defaultRunnerConcurrency = 4

// Runner builds a connector for every stored connection and runs the
// orchestrator over them concurrently. Connections of the same vendor still
// share the keyed limiter budget.
type Runner struct {
	Registry *registry.Registry
	Creds    credstore.Store
	Sink     store.Sink
	Limiter  *ratelimit.Limiter
	Resync   *webhook.Queue
	Reporter registry.Reporter
	Logger   *slog.Logger

	MaxPages    int
	MaxRecords  int
	Concurrency int
	HTTP        *http.Client
	Now         func() time.Time

	// Since restricts fetches to records on or after this instant; zero means
	// a full sync.
	Since time.Time
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) orchestrator() *Orchestrator {
	return &Orchestrator{
		Sink:       r.Sink,
		Reporter:   r.Reporter,
		Resync:     r.Resync,
		Logger:     r.Logger,
		MaxPages:   r.MaxPages,
		MaxRecords: r.MaxRecords,
		Now:        r.Now,
	}
}

// RunOnce syncs every stored connection once. Failures are joined, not
// short-circuited: one broken vendor never blocks the rest.
func (r *Runner) RunOnce(ctx context.Context) error {
	conns, err := r.Creds.List(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}

	limit := r.Concurrency
	if limit <= 0 {
		limit = defaultRunnerConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	errs := make([]error, len(conns))
	for i, conn := range conns {
		i, conn := i, conn
		g.Go(func() error {
			if _, err := r.syncConnection(ctx, conn); err != nil {
				r.logger().Error("connection sync failed",
					"connection", conn.ID, "vendor", conn.Vendor, "err", err)
				errs[i] = fmt.Errorf("%s (%s): %w", conn.Vendor, conn.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// SyncConnection syncs a single stored connection by ID.
func (r *Runner) SyncConnection(ctx context.Context, id string) (SyncRun, error) {
	conn, err := r.Creds.Get(ctx, id)
	if err != nil {
		return SyncRun{}, err
	}
	return r.syncConnection(ctx, conn)
}

func (r *Runner) syncConnection(ctx context.Context, conn credstore.Connection) (SyncRun, error) {
	connector, err := r.BuildConnector(conn)
	if err != nil {
		return SyncRun{}, err
	}
	return r.orchestrator().Run(ctx, connector, r.Since)
}

// BuildConnector decodes the stored config and constructs the vendor
// connector with the runner's shared collaborators.
func (r *Runner) BuildConnector(conn credstore.Connection) (registry.Connector, error) {
	def, ok := r.Registry.Get(conn.Vendor)
	if !ok {
		return nil, fmt.Errorf("unknown vendor %q", conn.Vendor)
	}
	cfg, err := def.DecodeConfig(conn.Config)
	if err != nil {
		return nil, fmt.Errorf("decode %s config: %w", conn.Vendor, err)
	}
	if err := def.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate %s config: %w", conn.Vendor, err)
	}
	return def.NewConnector(conn.ID, cfg, registry.Deps{
		Creds:   r.Creds,
		Limiter: r.Limiter,
		HTTP:    r.HTTP,
		Now:     r.Now,
	})
}
