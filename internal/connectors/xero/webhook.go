package xero

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/webhook"
)

// SignatureHeader carries Xero's base64 HMAC-SHA256 of the raw payload,
// keyed with the webhook signing key.
const SignatureHeader = "X-Xero-Signature"

var resyncCategories = map[string]string{
	"invoice": "invoice",
	"contact": "customer",
}

type webhookEvent struct {
	ResourceID    string `json:"resourceId"`
	TenantID      string `json:"tenantId"`
	EventCategory string `json:"eventCategory"`
	EventType     string `json:"eventType"`
}

type webhookPayload struct {
	Events []webhookEvent `json:"events"`
}

// HandleWebhook validates the x-xero-signature of the raw body and collects
// re-sync requests for invoice and contact events addressed to this tenant.
// Xero's intent-to-receive handshake relies on the signature failure path.
func (c *Client) HandleWebhook(rawBody []byte, signature string) (registry.WebhookResult, error) {
	cfg := c.config()
	if cfg.WebhookKey == "" {
		return registry.WebhookResult{}, fmt.Errorf("%s: %w: no webhook key configured", Kind, registry.ErrSignature)
	}
	if !webhook.VerifyBase64([]byte(cfg.WebhookKey), rawBody, signature) {
		return registry.WebhookResult{}, fmt.Errorf("%s: %w", Kind, registry.ErrSignature)
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return registry.WebhookResult{}, fmt.Errorf("%s webhook: %w", Kind, err)
	}

	result := registry.WebhookResult{Accepted: true}
	for _, event := range payload.Events {
		if event.TenantID != "" && !strings.EqualFold(event.TenantID, cfg.TenantID) {
			continue
		}
		entity, ok := resyncCategories[strings.ToLower(strings.TrimSpace(event.EventCategory))]
		if !ok {
			continue
		}
		id := strings.TrimSpace(event.ResourceID)
		if id == "" {
			continue
		}
		result.Resync = append(result.Resync, registry.ResyncRequest{
			Entity:     entity,
			ExternalID: id,
			Event:      entity + "." + strings.ToLower(strings.TrimSpace(event.EventType)),
		})
	}
	return result, nil
}
