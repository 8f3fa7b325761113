package sapb1

import (
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
)

// HandleWebhook accepts and discards inbound notifications. The Service
// Layer has no native outbound webhooks and no shared signing secret, so
// nothing is verified and nothing is queued for re-sync.
func (c *Client) HandleWebhook([]byte, string) (registry.WebhookResult, error) {
	return registry.WebhookResult{Accepted: true}, nil
}
