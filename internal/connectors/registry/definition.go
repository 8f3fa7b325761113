package registry

import (
	"context"
	"net/http"
	"time"

	"github.com/ledgersync/ledgersync/internal/ratelimit"
)

// Deps carries the collaborators a vendor connector needs at runtime.
type Deps struct {
	// Creds persists credential updates (token refresh, session rotation).
	Creds CredentialWriter
	// Limiter gates every outbound request against the vendor budget.
	Limiter *ratelimit.Limiter
	// HTTP overrides the vendor default client; nil keeps the default.
	HTTP *http.Client
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// CredentialWriter is the narrow slice of the credential store a connector
// uses to persist refreshed tokens atomically before proceeding.
type CredentialWriter interface {
	// UpdateConnection applies mutate to the stored connection record under a
	// write that is atomic relative to concurrent readers; mutate may be
	// retried on version conflicts.
	UpdateConnection(ctx context.Context, connectionID string, mutate func(raw []byte) ([]byte, error)) error
}

// Definition describes one vendor kind: metadata, config decoding, and
// connector construction.
type Definition interface {
	Kind() string
	DisplayName() string

	DecodeConfig(raw []byte) (any, error)
	ValidateConfig(cfg any) error
	// AccountName identifies the tenant/realm/org the config points at.
	AccountName(cfg any) string

	// Budget is the vendor's static rate-limit budget, read-only at runtime.
	Budget() ratelimit.Budget

	NewConnector(connectionID string, cfg any, deps Deps) (Connector, error)
}
