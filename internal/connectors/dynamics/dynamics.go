// Package dynamics implements the Dynamics 365 connector: OAuth2 bearer
// auth against login.microsoftonline.com, OData v4 $skip/$top pagination,
// and HMAC-verified change notifications.
package dynamics

import (
	"context"
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
	Kind = credstore.KindDynamics

	defaultTimeout   = 120 * time.Second
	pageSize         = 50
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB

	apiPath          = "/api/data/v9.2"
	defaultAuthority = "https://login.microsoftonline.com"
)

// Client talks to one Dynamics 365 organization.
type Client struct {
	connectionID string
	http         *http.Client
	limiter      *ratelimit.Limiter
	budget       ratelimit.Budget
	creds        registry.CredentialWriter
	now          func() time.Time
	authority    string

	mu  sync.Mutex
	cfg credstore.DynamicsConfig
}

type session struct {
	accessToken string
}

func (session) Vendor() string { return Kind }

// NewClient wires a Dynamics client from a validated connection config.
func NewClient(connectionID string, cfg credstore.DynamicsConfig, deps registry.Deps) (*Client, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		connectionID: strings.TrimSpace(connectionID),
		http:         deps.HTTP,
		limiter:      deps.Limiter,
		budget:       Budget(),
		creds:        deps.Creds,
		now:          deps.Now,
		authority:    defaultAuthority,
		cfg:          cfg,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// SetAuthority overrides the token endpoint base. Used by tests.
func (c *Client) SetAuthority(base string) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base != "" {
		c.authority = base
	}
}

// Budget is the static Dynamics request budget.
func Budget() ratelimit.Budget {
	return ratelimit.Budget{PerMinute: 100, PerDay: 10000, MaxConcurrent: 4}
}

func (c *Client) Kind() string { return Kind }

func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, err := url.Parse(c.cfg.ResourceURL); err == nil && u.Host != "" {
		return u.Host
	}
	return c.cfg.TenantID
}

func (c *Client) config() credstore.DynamicsConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// errProbeEmpty marks a probe the vendor answered 2xx without granting
// anything usable; the token may be stale, so it goes through the refresh
// path like a 401 would.
var errProbeEmpty = errors.New("WhoAmI returned no user")

// Authenticate ensures a usable bearer session: refresh when the stored
// expiry is inside the safety buffer, then probe WhoAmI. A rejected or empty
// probe gets exactly one refresh-and-retry before reporting an
// authentication error.
func (c *Client) Authenticate(ctx context.Context) (registry.Session, error) {
	cfg := c.config()
	if cfg.Expired(c.now()) {
		if err := c.RefreshCredentials(ctx); err != nil {
			return nil, err
		}
		cfg = c.config()
	}

	if err := c.probe(ctx, cfg.AccessToken); err != nil {
		if !refreshableProbe(err) {
			return nil, registry.AuthError(Kind, err)
		}
		if err := c.RefreshCredentials(ctx); err != nil {
			return nil, err
		}
		cfg = c.config()
		if err := c.probe(ctx, cfg.AccessToken); err != nil {
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

func (c *Client) probe(ctx context.Context, token string) error {
	cfg := c.config()
	body, err := c.get(ctx, cfg.ResourceURL+apiPath+"/WhoAmI", token)
	if err != nil {
		return err
	}
	var payload struct {
		UserID string `json:"UserId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode WhoAmI response: %w", err)
	}
	if strings.TrimSpace(payload.UserID) == "" {
		return errProbeEmpty
	}
	return nil
}

// RefreshCredentials exchanges the refresh token at the tenant's OAuth2 token
// endpoint and persists the rotated tokens before returning.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	cfg := c.config()
	if cfg.RefreshToken == "" {
		return registry.RefreshError(Kind, errors.New("no refresh token on record"))
	}

	form := url.Values{
		"grant_type":    []string{"refresh_token"},
		"client_id":     []string{cfg.ClientID},
		"client_secret": []string{cfg.ClientSecret},
		"refresh_token": []string{cfg.RefreshToken},
		"scope":         []string{cfg.ResourceURL + "/.default"},
	}
	endpoint := c.authority + "/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token"

	token, err := c.postTokenForm(ctx, endpoint, form)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(Kind, "failure").Inc()
		return registry.RefreshError(Kind, err)
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
			stored, err := credstore.DecodeDynamicsConfig(raw)
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

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (c *Client) postTokenForm(ctx context.Context, endpoint string, form url.Values) (tokenResponse, error) {
	release, err := c.throttle(ctx)
	if err != nil {
		return tokenResponse{}, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return tokenResponse{}, err
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return tokenResponse{}, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenResponse{}, newAPIError("dynamics token endpoint", endpoint, resp, body)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return tokenResponse{}, err
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return tokenResponse{}, errors.New("token response missing access_token")
	}
	return token, nil
}

// FetchInvoicePage fetches one $skip/$top page of invoices with expanded
// customer and line detail, newest filter applied via OData `ge`.
func (c *Client) FetchInvoicePage(ctx context.Context, sess registry.Session, page registry.Page) (registry.InvoicePage, error) {
	s, err := c.session(sess)
	if err != nil {
		return registry.InvoicePage{}, err
	}

	query := url.Values{
		"$top":    []string{strconv.Itoa(pageSize)},
		"$skip":   []string{strconv.Itoa(offset(page.Number))},
		"$expand": []string{"customerid_account($select=name,emailaddress1),invoice_details($select=productdescription,quantity,priceperunit,extendedamount)"},
	}
	if !page.Since.IsZero() {
		query.Set("$filter", "createdon ge "+page.Since.UTC().Format(time.RFC3339))
	}

	body, err := c.get(ctx, c.config().ResourceURL+apiPath+"/invoices?"+query.Encode(), s.accessToken)
	if err != nil {
		return registry.InvoicePage{}, err
	}

	var payload struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return registry.InvoicePage{}, err
	}

	out := registry.InvoicePage{More: len(payload.Value) == pageSize}
	for _, raw := range payload.Value {
		out.Invoices = append(out.Invoices, normalizeInvoice(raw))
	}
	return out, nil
}

// FetchCustomerPage fetches one $skip/$top page of accounts.
func (c *Client) FetchCustomerPage(ctx context.Context, sess registry.Session, page registry.Page) (registry.CustomerPage, error) {
	s, err := c.session(sess)
	if err != nil {
		return registry.CustomerPage{}, err
	}

	query := url.Values{
		"$top":  []string{strconv.Itoa(pageSize)},
		"$skip": []string{strconv.Itoa(offset(page.Number))},
	}
	if !page.Since.IsZero() {
		query.Set("$filter", "modifiedon ge "+page.Since.UTC().Format(time.RFC3339))
	}

	body, err := c.get(ctx, c.config().ResourceURL+apiPath+"/accounts?"+query.Encode(), s.accessToken)
	if err != nil {
		return registry.CustomerPage{}, err
	}

	var payload struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return registry.CustomerPage{}, err
	}

	out := registry.CustomerPage{More: len(payload.Value) == pageSize}
	for _, raw := range payload.Value {
		out.Customers = append(out.Customers, normalizeCustomer(raw))
	}
	return out, nil
}

// FetchInvoiceByID returns (nil, nil) when the organization has no such
// invoice.
func (c *Client) FetchInvoiceByID(ctx context.Context, sess registry.Session, id string) (*invoice.Invoice, error) {
	s, err := c.session(sess)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("dynamics invoice id is required")
	}

	endpoint := c.config().ResourceURL + apiPath + "/invoices(" + url.PathEscape(id) + ")" +
		"?$expand=customerid_account($select=name,emailaddress1),invoice_details($select=productdescription,quantity,priceperunit,extendedamount)"
	body, err := c.get(ctx, endpoint, s.accessToken)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	inv := normalizeInvoice(body)
	return &inv, nil
}

func (c *Client) session(sess registry.Session) (session, error) {
	s, ok := sess.(session)
	if !ok {
		return session{}, fmt.Errorf("dynamics: session of wrong vendor %T", sess)
	}
	return s, nil
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
		req.Header.Set("OData-MaxVersion", "4.0")
		req.Header.Set("OData-Version", "4.0")

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
			lastErr = newAPIError("dynamics api rate limited", endpoint, resp, body)
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
			return nil, registry.TransientError(Kind, newAPIError("dynamics api failed", endpoint, resp, body))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, newAPIError("dynamics api failed", endpoint, resp, body)
		}
		return body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("dynamics request failed")
}

// offset translates a 1-based page number into an OData $skip value.
func offset(page int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize
}

type apiError struct {
	prefix string
	url    string
	status int
	body   string
}

func (e *apiError) Error() string {
	msg := strings.TrimSpace(e.body)
	msg = strings.Join(strings.Fields(msg), " ")
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
	return &apiError{prefix: prefix, url: safeURL(reqURL), status: resp.StatusCode, body: string(body)}
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

func safeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
