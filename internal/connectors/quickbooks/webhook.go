package quickbooks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/webhook"
)

// SignatureHeader carries Intuit's base64 HMAC-SHA256 of the raw payload,
// keyed with the app's verifier token.
const SignatureHeader = "Intuit-Signature"

var resyncEntities = map[string]string{
	"invoice":  "invoice",
	"customer": "customer",
}

type webhookEntity struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	Operation string `json:"operation"`
}

type webhookPayload struct {
	EventNotifications []struct {
		RealmID         string `json:"realmId"`
		DataChangeEvent struct {
			Entities []webhookEntity `json:"entities"`
		} `json:"dataChangeEvent"`
	} `json:"eventNotifications"`
}

// HandleWebhook validates the Intuit-Signature of the raw body and collects
// re-sync requests for invoice and customer change events addressed to this
// realm. Delete operations are ignored; a targeted re-fetch of a deleted
// record would 404 anyway.
func (c *Client) HandleWebhook(rawBody []byte, signature string) (registry.WebhookResult, error) {
	cfg := c.config()
	if cfg.VerifierToken == "" {
		return registry.WebhookResult{}, fmt.Errorf("%s: %w: no verifier token configured", Kind, registry.ErrSignature)
	}
	if !webhook.VerifyBase64([]byte(cfg.VerifierToken), rawBody, signature) {
		return registry.WebhookResult{}, fmt.Errorf("%s: %w", Kind, registry.ErrSignature)
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return registry.WebhookResult{}, fmt.Errorf("%s webhook: %w", Kind, err)
	}

	result := registry.WebhookResult{Accepted: true}
	for _, note := range payload.EventNotifications {
		if note.RealmID != "" && note.RealmID != cfg.RealmID {
			continue
		}
		for _, ent := range note.DataChangeEvent.Entities {
			entity, ok := resyncEntities[strings.ToLower(strings.TrimSpace(ent.Name))]
			if !ok {
				continue
			}
			op := strings.ToLower(strings.TrimSpace(ent.Operation))
			if op == "delete" || op == "remove" {
				continue
			}
			id := strings.TrimSpace(ent.ID)
			if id == "" {
				continue
			}
			result.Resync = append(result.Resync, registry.ResyncRequest{
				Entity:     entity,
				ExternalID: id,
				Event:      entity + "." + op,
			})
		}
	}
	return result, nil
}
