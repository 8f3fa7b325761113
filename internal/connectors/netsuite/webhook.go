package netsuite

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/webhook"
)

// SignatureHeader is the custom header a NetSuite user-event script sends
// with its outbound notification.
const SignatureHeader = "X-NetSuite-Signature"

var resyncEvents = map[string]string{
	"invoice.create":  "invoice",
	"invoice.edit":    "invoice",
	"customer.create": "customer",
	"customer.edit":   "customer",
}

type webhookEvent struct {
	RecordType string `json:"recordType"`
	EventType  string `json:"eventType"`
	RecordID   string `json:"recordId"`
}

type webhookPayload struct {
	Events []webhookEvent `json:"events"`
}

// HandleWebhook validates the hex HMAC-SHA256 signature of the raw body and
// collects re-sync requests for recognized record/event pairs.
func (c *Client) HandleWebhook(rawBody []byte, signature string) (registry.WebhookResult, error) {
	if c.cfg.WebhookSecret == "" {
		return registry.WebhookResult{}, fmt.Errorf("%s: %w: no webhook secret configured", Kind, registry.ErrSignature)
	}
	if !webhook.VerifyHex([]byte(c.cfg.WebhookSecret), rawBody, signature) {
		return registry.WebhookResult{}, fmt.Errorf("%s: %w", Kind, registry.ErrSignature)
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return registry.WebhookResult{}, fmt.Errorf("%s webhook: %w", Kind, err)
	}

	result := registry.WebhookResult{Accepted: true}
	for _, event := range payload.Events {
		key := strings.ToLower(strings.TrimSpace(event.RecordType)) + "." + strings.ToLower(strings.TrimSpace(event.EventType))
		entity, ok := resyncEvents[key]
		if !ok {
			continue
		}
		id := strings.TrimSpace(event.RecordID)
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
