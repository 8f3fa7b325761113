// Package quickbooks implements the QuickBooks Online connector: OAuth2
// bearer auth with a basic-auth refresh grant, SQL-ish query pagination via
// STARTPOSITION/MAXRESULTS, and Intuit-Signature webhooks.
package quickbooks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/invoice"
	"github.com/ledgersync/ledgersync/internal/metrics"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
)

const (
	Kind = credstore.KindQuickBooks

	defaultTimeout   = 120 * time.Second
	pageSize         = 100
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB

	defaultTokenEndpoint = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
)

// Client talks to one QuickBooks Online realm.
type Client struct {
	connectionID  string
	http          *http.Client
	limiter       *ratelimit.Limiter
	budget        ratelimit.Budget
	creds         registry.CredentialWriter
	now           func() time.Time
	tokenEndpoint string

	mu  sync.Mutex
	cfg credstore.QuickBooksConfig
}

type session struct {
	accessToken string
}

func (session) Vendor() string { return Kind }

// NewClient wires a QuickBooks client from a validated connection config.
func NewClient(connectionID string, cfg credstore.QuickBooksConfig, deps registry.Deps) (*Client, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		connectionID:  strings.TrimSpace(connectionID),
		http:          deps.HTTP,
		limiter:       deps.Limiter,
		budget:        Budget(),
		creds:         deps.Creds,
		now:           deps.Now,
		tokenEndpoint: defaultTokenEndpoint,
		cfg:           cfg,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// SetTokenEndpoint overrides the Intuit token endpoint. Used by tests.
func (c *Client) SetTokenEndpoint(endpoint string) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint != "" {
		c.tokenEndpoint = endpoint
	}
}

// Budget is the static QuickBooks request budget.
func Budget() ratelimit.Budget {
	return ratelimit.Budget{PerMinute: 60, PerDay: 10000, MaxConcurrent: 4}
}

func (c *Client) Kind() string { return Kind }

func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.RealmID
}

func (c *Client) config() credstore.QuickBooksConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// errProbeEmpty marks a 2xx probe that granted nothing usable; it goes
// through the refresh path like a 401 would.
var errProbeEmpty = errors.New("company info probe returned no company")

// Authenticate ensures a usable bearer session: refresh inside the expiry
// buffer, then probe company info. A rejected or empty probe gets one
// refresh-and-retry.
func (c *Client) Authenticate(ctx context.Context) (registry.Session, error) {
	cfg := c.config()
	if cfg.Expired(c.now()) {
		if err := c.RefreshCredentials(ctx); err != nil {
			return nil, err
		}
		cfg = c.config()
	}

	if err := c.probe(ctx, cfg); err != nil {
		if !refreshableProbe(err) {
			return nil, registry.AuthError(Kind, err)
		}
		if err := c.RefreshCredentials(ctx); err != nil {
			return nil, err
		}
		cfg = c.config()
		if err := c.probe(ctx, cfg); err != nil {
			return nil, registry.AuthError(Kind, err)
		}
	}
	return session{accessToken: cfg.AccessToken}, nil
}

func refreshableProbe(err error) bool {
	if errors.Is(err, errProbeEmpty) {
		return true
	}
	var apiErr *apiError
	return errors.As(err, &apiErr) && (apiErr.status == http.StatusUnauthorized || apiErr.status == http.StatusForbidden)
}

func (c *Client) probe(ctx context.Context, cfg credstore.QuickBooksConfig) error {
	endpoint := cfg.APIBase + "/v3/company/" + url.PathEscape(cfg.RealmID) + "/companyinfo/" + url.PathEscape(cfg.RealmID)
	body, err := c.get(ctx, endpoint, cfg.AccessToken)
	if err != nil {
		return err
	}
	var payload struct {
		CompanyInfo struct {
			CompanyName string `json:"CompanyName"`
		} `json:"CompanyInfo"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode company info: %w", err)
	}
	if strings.TrimSpace(payload.CompanyInfo.CompanyName) == "" {
		return errProbeEmpty
	}
	return nil
}

// RefreshCredentials runs the two-legged refresh grant against the Intuit
// token endpoint with HTTP basic client credentials, persisting the rotated
// tokens before returning.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	cfg := c.config()
	if cfg.RefreshToken == "" {
		return registry.RefreshError(Kind, errors.New("no refresh token on record"))
	}

	release, err := c.throttle(ctx)
	if err != nil {
		return err
	}
	form := url.Values{
		"grant_type":    []string{"refresh_token"},
		"refresh_token": []string{cfg.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		release()
		return registry.RefreshError(Kind, err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(cfg.ClientID + ":" + cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	release()
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(Kind, "failure").Inc()
		return registry.RefreshError(Kind, err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return registry.RefreshError(Kind, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.TokenRefreshesTotal.WithLabelValues(Kind, "failure").Inc()
		return registry.RefreshError(Kind, newAPIError("quickbooks token endpoint", c.tokenEndpoint, resp, body))
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return registry.RefreshError(Kind, err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		metrics.TokenRefreshesTotal.WithLabelValues(Kind, "failure").Inc()
		return registry.RefreshError(Kind, errors.New("token response missing access_token"))
	}

	newToken := credstore.OAuthToken{
		AccessToken:  token.AccessToken,
		RefreshToken: cfg.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}
	if rotated := strings.TrimSpace(token.RefreshToken); rotated != "" {
		newToken.RefreshToken = rotated
	}

	if c.creds != nil {
		err := c.creds.UpdateConnection(ctx, c.connectionID, func(raw []byte) ([]byte, error) {
			stored, err := credstore.DecodeQuickBooksConfig(raw)
			if err != nil {
				return nil, err
			}
			stored.OAuthToken = newToken
			return credstore.EncodeConfig(stored)
		})
		if err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues(Kind, "failure").Inc()
			return registry.RefreshError(Kind, fmt.Errorf("persist refreshed token: %w", err))
		}
	}

	c.mu.Lock()
	c.cfg.OAuthToken = newToken
	c.mu.Unlock()
	metrics.TokenRefreshesTotal.WithLabelValues(Kind, "success").Inc()
	return nil
}

// FetchInvoicePage runs one STARTPOSITION/MAXRESULTS page of the invoice
// query.
func (c *Client) FetchInvoicePage(ctx context.Context, sess registry.Session, page registry.Page) (registry.InvoicePage, error) {
	s, err := c.session(sess)
	if err != nil {
		return registry.InvoicePage{}, err
	}

	q := "SELECT * FROM Invoice"
	if !page.Since.IsZero() {
		q += " WHERE TxnDate >= '" + page.Since.UTC().Format("2006-01-02") + "'"
	}
	q += " ORDERBY Id STARTPOSITION " + strconv.Itoa(startPosition(page.Number)) + " MAXRESULTS " + strconv.Itoa(pageSize)

	body, err := c.query(ctx, s.accessToken, q)
	if err != nil {
		return registry.InvoicePage{}, err
	}

	var payload struct {
		QueryResponse struct {
			Invoice []json.RawMessage `json:"Invoice"`
		} `json:"QueryResponse"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return registry.InvoicePage{}, err
	}

	out := registry.InvoicePage{More: len(payload.QueryResponse.Invoice) == pageSize}
	for _, raw := range payload.QueryResponse.Invoice {
		out.Invoices = append(out.Invoices, normalizeInvoice(raw))
	}
	return out, nil
}

// FetchCustomerPage runs one STARTPOSITION/MAXRESULTS page of the customer
// query.
func (c *Client) FetchCustomerPage(ctx context.Context, sess registry.Session, page registry.Page) (registry.CustomerPage, error) {
	s, err := c.session(sess)
	if err != nil {
		return registry.CustomerPage{}, err
	}

	q := "SELECT * FROM Customer"
	if !page.Since.IsZero() {
		q += " WHERE Metadata.LastUpdatedTime >= '" + page.Since.UTC().Format("2006-01-02") + "'"
	}
	q += " ORDERBY Id STARTPOSITION " + strconv.Itoa(startPosition(page.Number)) + " MAXRESULTS " + strconv.Itoa(pageSize)

	body, err := c.query(ctx, s.accessToken, q)
	if err != nil {
		return registry.CustomerPage{}, err
	}

	var payload struct {
		QueryResponse struct {
			Customer []json.RawMessage `json:"Customer"`
		} `json:"QueryResponse"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return registry.CustomerPage{}, err
	}

	out := registry.CustomerPage{More: len(payload.QueryResponse.Customer) == pageSize}
	for _, raw := range payload.QueryResponse.Customer {
		out.Customers = append(out.Customers, normalizeCustomer(raw))
	}
	return out, nil
}

// FetchInvoiceByID fetches one invoice, returning (nil, nil) when the realm
// has no such record.
func (c *Client) FetchInvoiceByID(ctx context.Context, sess registry.Session, id string) (*invoice.Invoice, error) {
	s, err := c.session(sess)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("quickbooks invoice id is required")
	}

	cfg := c.config()
	endpoint := cfg.APIBase + "/v3/company/" + url.PathEscape(cfg.RealmID) + "/invoice/" + url.PathEscape(id)
	body, err := c.get(ctx, endpoint, s.accessToken)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var payload struct {
		Invoice json.RawMessage `json:"Invoice"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if len(payload.Invoice) == 0 {
		return nil, nil
	}
	inv := normalizeInvoice(payload.Invoice)
	return &inv, nil
}

func (c *Client) query(ctx context.Context, token, q string) ([]byte, error) {
	cfg := c.config()
	endpoint := cfg.APIBase + "/v3/company/" + url.PathEscape(cfg.RealmID) + "/query?query=" + url.QueryEscape(q)
	return c.get(ctx, endpoint, token)
}

func (c *Client) session(sess registry.Session) (session, error) {
	s, ok := sess.(session)
	if !ok {
		return session{}, fmt.Errorf("quickbooks: session of wrong vendor %T", sess)
	}
	return s, nil
}

// startPosition translates a 1-based page number into QuickBooks'
// 1-based STARTPOSITION.
func startPosition(page int) int {
	if page < 1 {
		page = 1
	}
	return (page-1)*pageSize + 1
}

func (c *Client) throttle(ctx context.Context) (func(), error) {
	if c.limiter == nil {
		return func() {}, nil
	}
	start := time.Now()
	release, err := c.limiter.Acquire(ctx, Kind, c.Name(), c.budget)
	metrics.ThrottleWaitSeconds.WithLabelValues(Kind).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ratelimit.ErrWaitTimeout) {
			metrics.ThrottleTimeoutsTotal.WithLabelValues(Kind).Inc()
			return nil, registry.RateLimitError(Kind, err)
		}
		return nil, err
	}
	return release, nil
}

func (c *Client) get(ctx context.Context, endpoint, token string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		release, err := c.throttle(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			release()
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		release()
		if err != nil {
			return nil, registry.TransientError(Kind, err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = newAPIError("quickbooks api rate limited", endpoint, resp, body)
			if attempt == maxRetriesOn429 {
				return nil, lastErr
			}
			wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"))
			if !ok {
				wait = time.Second
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 500 {
			return nil, registry.TransientError(Kind, newAPIError("quickbooks api failed", endpoint, resp, body))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, newAPIError("quickbooks api failed", endpoint, resp, body)
		}
		return body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("quickbooks request failed")
}

type apiError struct {
	prefix string
	url    string
	status int
	body   string
}

func (e *apiError) Error() string {
	msg := strings.Join(strings.Fields(strings.TrimSpace(e.body)), " ")
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	if msg == "" {
		return fmt.Sprintf("%s: status %d (url=%s)", e.prefix, e.status, e.url)
	}
	return fmt.Sprintf("%s: status %d: %s (url=%s)", e.prefix, e.status, msg, e.url)
}

func newAPIError(prefix, reqURL string, resp *http.Response, body []byte) *apiError {
	if u, err := url.Parse(reqURL); err == nil {
		u.RawQuery = ""
		reqURL = u.String()
	}
	return &apiError{prefix: prefix, url: reqURL, status: resp.StatusCode, body: string(body)}
}

func retryAfterDuration(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
