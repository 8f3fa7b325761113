// Package credstore holds per-connection vendor configuration: credentials,
// endpoints, tokens, and expiry timestamps. Connectors read these records and
// write back rotated tokens through the Store's atomic update.
package credstore

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	KindDynamics   = "dynamics"
	KindNetSuite   = "netsuite"
	KindQuickBooks = "quickbooks"
	KindSAPB1      = "sapb1"
	KindXero       = "xero"
)

// ExpiryBuffer is the safety margin applied before the recorded token expiry;
// a token inside the buffer is treated as already expired.
const ExpiryBuffer = 300 * time.Second

const (
	defaultQuickBooksAPIBase = "https://quickbooks.api.intuit.com"
	defaultXeroAPIBase       = "https://api.xero.com"
)

// OAuthToken is the bearer-token credential block shared by the OAuth2
// vendors.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"access_token_expires_at"`
}

// Expired reports whether the access token should be refreshed: true when
// now >= expires_at - ExpiryBuffer. A zero expiry counts as expired.
func (t OAuthToken) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(t.ExpiresAt.Add(-ExpiryBuffer))
}

// DynamicsConfig is the Dynamics 365 connection record.
type DynamicsConfig struct {
	TenantID      string `json:"tenant_id"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	ResourceURL   string `json:"resource_url"`
	WebhookSecret string `json:"webhook_secret"`
	OAuthToken
}

func (c DynamicsConfig) Normalized() DynamicsConfig {
	out := c
	out.TenantID = strings.ToLower(strings.TrimSpace(out.TenantID))
	out.ClientID = strings.ToLower(strings.TrimSpace(out.ClientID))
	out.ClientSecret = strings.TrimSpace(out.ClientSecret)
	out.ResourceURL = strings.TrimRight(strings.TrimSpace(out.ResourceURL), "/")
	out.WebhookSecret = strings.TrimSpace(out.WebhookSecret)
	out.AccessToken = strings.TrimSpace(out.AccessToken)
	out.RefreshToken = strings.TrimSpace(out.RefreshToken)
	return out
}

func (c DynamicsConfig) Validate() error {
	c = c.Normalized()
	if c.TenantID == "" {
		return errors.New("Dynamics tenant ID is required")
	}
	if c.ClientID == "" {
		return errors.New("Dynamics client ID is required")
	}
	if c.ClientSecret == "" {
		return errors.New("Dynamics client secret is required")
	}
	if c.ResourceURL == "" {
		return errors.New("Dynamics resource URL is required")
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		return errors.New("Dynamics access or refresh token is required")
	}
	return nil
}

// NetSuiteConfig is the NetSuite connection record. OAuth1 tokens do not
// expire, so there is no token block to refresh.
type NetSuiteConfig struct {
	AccountID      string `json:"account_id"`
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
	TokenID        string `json:"token_id"`
	TokenSecret    string `json:"token_secret"`
	WebhookSecret  string `json:"webhook_secret"`
}

func (c NetSuiteConfig) Normalized() NetSuiteConfig {
	out := c
	out.AccountID = strings.ToLower(strings.TrimSpace(out.AccountID))
	out.ConsumerKey = strings.TrimSpace(out.ConsumerKey)
	out.ConsumerSecret = strings.TrimSpace(out.ConsumerSecret)
	out.TokenID = strings.TrimSpace(out.TokenID)
	out.TokenSecret = strings.TrimSpace(out.TokenSecret)
	out.WebhookSecret = strings.TrimSpace(out.WebhookSecret)
	return out
}

// BaseURL is the account-scoped SuiteTalk REST root.
func (c NetSuiteConfig) BaseURL() string {
	account := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(c.AccountID)), "_", "-")
	if account == "" {
		return ""
	}
	return "https://" + account + ".suitetalk.api.netsuite.com"
}

func (c NetSuiteConfig) Validate() error {
	c = c.Normalized()
	if c.AccountID == "" {
		return errors.New("NetSuite account ID is required")
	}
	if c.ConsumerKey == "" {
		return errors.New("NetSuite consumer key is required")
	}
	if c.ConsumerSecret == "" {
		return errors.New("NetSuite consumer secret is required")
	}
	if c.TokenID == "" {
		return errors.New("NetSuite token ID is required")
	}
	if c.TokenSecret == "" {
		return errors.New("NetSuite token secret is required")
	}
	return nil
}

// QuickBooksConfig is the QuickBooks Online connection record.
type QuickBooksConfig struct {
	RealmID       string `json:"realm_id"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	APIBase       string `json:"api_base"`
	VerifierToken string `json:"webhook_verifier_token"`
	OAuthToken
}

func (c QuickBooksConfig) Normalized() QuickBooksConfig {
	out := c
	out.RealmID = strings.TrimSpace(out.RealmID)
	out.ClientID = strings.TrimSpace(out.ClientID)
	out.ClientSecret = strings.TrimSpace(out.ClientSecret)
	out.APIBase = strings.TrimRight(strings.TrimSpace(out.APIBase), "/")
	if out.APIBase == "" {
		out.APIBase = defaultQuickBooksAPIBase
	}
	out.VerifierToken = strings.TrimSpace(out.VerifierToken)
	out.AccessToken = strings.TrimSpace(out.AccessToken)
	out.RefreshToken = strings.TrimSpace(out.RefreshToken)
	return out
}

func (c QuickBooksConfig) Validate() error {
	c = c.Normalized()
	if c.RealmID == "" {
		return errors.New("QuickBooks realm ID is required")
	}
	if c.ClientID == "" {
		return errors.New("QuickBooks client ID is required")
	}
	if c.ClientSecret == "" {
		return errors.New("QuickBooks client secret is required")
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		return errors.New("QuickBooks access or refresh token is required")
	}
	return nil
}

// SAPB1Config is the SAP Business One Service Layer connection record. The
// session block is mutated on every successful login.
type SAPB1Config struct {
	BaseURL          string    `json:"base_url"`
	CompanyDB        string    `json:"company_db"`
	Username         string    `json:"username"`
	Password         string    `json:"password"`
	SessionID        string    `json:"session_id"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

func (c SAPB1Config) Normalized() SAPB1Config {
	out := c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	out.CompanyDB = strings.TrimSpace(out.CompanyDB)
	out.Username = strings.TrimSpace(out.Username)
	out.SessionID = strings.TrimSpace(out.SessionID)
	return out
}

func (c SAPB1Config) Validate() error {
	c = c.Normalized()
	if c.BaseURL == "" {
		return errors.New("SAP base URL is required")
	}
	if c.CompanyDB == "" {
		return errors.New("SAP company DB is required")
	}
	if c.Username == "" {
		return errors.New("SAP username is required")
	}
	if c.Password == "" {
		return errors.New("SAP password is required")
	}
	return nil
}

// XeroConfig is the Xero connection record.
type XeroConfig struct {
	TenantID      string `json:"tenant_id"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	APIBase       string `json:"api_base"`
	WebhookKey    string `json:"webhook_key"`
	OAuthToken
}

func (c XeroConfig) Normalized() XeroConfig {
	out := c
	out.TenantID = strings.ToLower(strings.TrimSpace(out.TenantID))
	out.ClientID = strings.TrimSpace(out.ClientID)
	out.ClientSecret = strings.TrimSpace(out.ClientSecret)
	out.APIBase = strings.TrimRight(strings.TrimSpace(out.APIBase), "/")
	if out.APIBase == "" {
		out.APIBase = defaultXeroAPIBase
	}
	out.WebhookKey = strings.TrimSpace(out.WebhookKey)
	out.AccessToken = strings.TrimSpace(out.AccessToken)
	out.RefreshToken = strings.TrimSpace(out.RefreshToken)
	return out
}

func (c XeroConfig) Validate() error {
	c = c.Normalized()
	if c.TenantID == "" {
		return errors.New("Xero tenant ID is required")
	}
	if c.ClientID == "" {
		return errors.New("Xero client ID is required")
	}
	if c.ClientSecret == "" {
		return errors.New("Xero client secret is required")
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		return errors.New("Xero access or refresh token is required")
	}
	return nil
}

func DecodeDynamicsConfig(raw []byte) (DynamicsConfig, error) {
	var cfg DynamicsConfig
	return cfg, decodeJSON(raw, &cfg)
}

func DecodeNetSuiteConfig(raw []byte) (NetSuiteConfig, error) {
	var cfg NetSuiteConfig
	return cfg, decodeJSON(raw, &cfg)
}

func DecodeQuickBooksConfig(raw []byte) (QuickBooksConfig, error) {
	var cfg QuickBooksConfig
	return cfg, decodeJSON(raw, &cfg)
}

func DecodeSAPB1Config(raw []byte) (SAPB1Config, error) {
	var cfg SAPB1Config
	return cfg, decodeJSON(raw, &cfg)
}

func DecodeXeroConfig(raw []byte) (XeroConfig, error) {
	var cfg XeroConfig
	return cfg, decodeJSON(raw, &cfg)
}

// EncodeConfig serializes a connection config for storage.
func EncodeConfig(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MaskSecret redacts a credential for logs and listings, keeping a short tail
// for recognizability.
func MaskSecret(secret string) string {
	s := strings.TrimSpace(secret)
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
