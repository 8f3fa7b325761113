package dynamics

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/webhook"
)

// SignatureHeader is the inbound notification signature header.
const SignatureHeader = "X-MS-Signature"

// recognized entity/event pairs that mark an entity for re-sync.
var resyncEvents = map[string]string{
	"invoice.created": "invoice",
	"invoice.updated": "invoice",
	"account.created": "customer",
	"account.updated": "customer",
}

type webhookEvent struct {
	Entity string `json:"entity"`
	Event  string `json:"event"`
	ID     string `json:"id"`
}

type webhookPayload struct {
	Value []webhookEvent `json:"value"`
}

// HandleWebhook validates the base64 HMAC-SHA256 signature of the raw body
// and collects re-sync requests for recognized entity/event pairs. The
// handler never fetches synchronously.
func (c *Client) HandleWebhook(rawBody []byte, signature string) (registry.WebhookResult, error) {
	cfg := c.config()
	if cfg.WebhookSecret == "" {
		return registry.WebhookResult{}, fmt.Errorf("%s: %w: no webhook secret configured", Kind, registry.ErrSignature)
	}
	if !webhook.VerifyBase64([]byte(cfg.WebhookSecret), rawBody, signature) {
		return registry.WebhookResult{}, fmt.Errorf("%s: %w", Kind, registry.ErrSignature)
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return registry.WebhookResult{}, fmt.Errorf("%s webhook: %w", Kind, err)
	}

	result := registry.WebhookResult{Accepted: true}
	for _, event := range payload.Value {
		key := strings.ToLower(strings.TrimSpace(event.Entity)) + "." + strings.ToLower(strings.TrimSpace(event.Event))
		entity, ok := resyncEvents[key]
		if !ok {
			continue
		}
		id := strings.TrimSpace(event.ID)
		if id == "" {
			continue
		}
		result.Resync = append(result.Resync, registry.ResyncRequest{
			Entity:     entity,
			ExternalID: id,
			Event:      key,
		})
	}
	return result, nil
}
