// Package sapb1 implements the SAP Business One Service Layer connector:
// B1SESSION cookie auth established by a Login call, OData $skip/$top
// pagination over Invoices and BusinessPartners.
package sapb1

import (
	"bytes"
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
	Kind = credstore.KindSAPB1

	defaultTimeout   = 120 * time.Second
	pageSize         = 20
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB

	servicePath = "/b1s/v1"

	// Session Layer default timeout is 30 minutes; used when Login omits one.
	defaultSessionTimeout = 30 * time.Minute
)

// Client talks to one Service Layer company database.
type Client struct {
	connectionID string
	http         *http.Client
	limiter      *ratelimit.Limiter
	budget       ratelimit.Budget
	creds        registry.CredentialWriter
	now          func() time.Time

	mu  sync.Mutex
	cfg credstore.SAPB1Config
}

type session struct {
	sessionID string
}

func (session) Vendor() string { return Kind }

// NewClient wires a Service Layer client from a validated connection config.
func NewClient(connectionID string, cfg credstore.SAPB1Config, deps registry.Deps) (*Client, error) {
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

// Budget is the static Service Layer request budget. On-premise installs are
// easy to overwhelm, so requests stay serialized.
func Budget() ratelimit.Budget {
	return ratelimit.Budget{PerMinute: 30, PerDay: 5000, MaxConcurrent: 1}
}

func (c *Client) Kind() string { return Kind }

func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.CompanyDB
}

func (c *Client) config() credstore.SAPB1Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// sessionValid reports whether the stored session cookie is still inside its
// recorded lifetime, with the same safety buffer applied to OAuth expiries.
func sessionValid(cfg credstore.SAPB1Config, now time.Time) bool {
	if cfg.SessionID == "" || cfg.SessionExpiresAt.IsZero() {
		return false
	}
	return now.Before(cfg.SessionExpiresAt.Add(-credstore.ExpiryBuffer))
}

// Authenticate reuses the stored B1SESSION cookie when it is still live,
// otherwise logs in again. A stored cookie the server no longer honors gets
// one re-login.
func (c *Client) Authenticate(ctx context.Context) (registry.Session, error) {
	cfg := c.config()
	if !sessionValid(cfg, c.now()) {
		if err := c.RefreshCredentials(ctx); err != nil {
			return nil, err
		}
		cfg = c.config()
		return session{sessionID: cfg.SessionID}, nil
	}

	if err := c.probe(ctx, cfg.SessionID); err != nil {
		var apiErr *apiError
		if !errors.As(err, &apiErr) || apiErr.status != http.StatusUnauthorized {
			return nil, registry.AuthError(Kind, err)
		}
		if err := c.RefreshCredentials(ctx); err != nil {
			return nil, err
		}
		cfg = c.config()
	}
	return session{sessionID: cfg.SessionID}, nil
}

func (c *Client) probe(ctx context.Context, sessionID string) error {
	_, err := c.get(ctx, servicePath+"/CompanyService_GetCompanyInfo", sessionID)
	return err
}

// RefreshCredentials performs a Service Layer Login and persists the new
// session cookie and its expiry.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	cfg := c.config()

	release, err := c.throttle(ctx)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]string{
		"CompanyDB": cfg.CompanyDB,
		"UserName":  cfg.Username,
		"Password":  cfg.Password,
	})
	if err != nil {
		release()
		return registry.RefreshError(Kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+servicePath+"/Login", bytes.NewReader(reqBody))
	if err != nil {
		release()
		return registry.RefreshError(Kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
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
		err := registry.RefreshError(Kind, newAPIError("sap service layer login failed", cfg.BaseURL+servicePath+"/Login", resp, body))
		if resp.StatusCode == http.StatusUnauthorized {
			return registry.AuthError(Kind, err)
		}
		return err
	}

	var login struct {
		SessionID      string `json:"SessionId"`
		SessionTimeout int    `json:"SessionTimeout"`
	}
	if err := json.Unmarshal(body, &login); err != nil {
		return registry.RefreshError(Kind, err)
	}
	if strings.TrimSpace(login.SessionID) == "" {
		metrics.TokenRefreshesTotal.WithLabelValues(Kind, "failure").Inc()
		return registry.RefreshError(Kind, errors.New("login response missing SessionId"))
	}

	timeout := defaultSessionTimeout
	if login.SessionTimeout > 0 {
		timeout = time.Duration(login.SessionTimeout) * time.Minute
	}
	sessionID := strings.TrimSpace(login.SessionID)
	expiresAt := c.now().Add(timeout)

	if c.creds != nil {
		err := c.creds.UpdateConnection(ctx, c.connectionID, func(raw []byte) ([]byte, error) {
			stored, err := credstore.DecodeSAPB1Config(raw)
			if err != nil {
				return nil, err
			}
			stored.SessionID = sessionID
			stored.SessionExpiresAt = expiresAt
			return credstore.EncodeConfig(stored)
		})
		if err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues(Kind, "failure").Inc()
			return registry.RefreshError(Kind, fmt.Errorf("persist session: %w", err))
		}
	}

	c.mu.Lock()
	c.cfg.SessionID = sessionID
	c.cfg.SessionExpiresAt = expiresAt
	c.mu.Unlock()
	metrics.TokenRefreshesTotal.WithLabelValues(Kind, "success").Inc()
	return nil
}

// FetchInvoicePage fetches one $skip/$top page of A/R invoices.
func (c *Client) FetchInvoicePage(ctx context.Context, sess registry.Session, page registry.Page) (registry.InvoicePage, error) {
	s, err := c.session(sess)
	if err != nil {
		return registry.InvoicePage{}, err
	}

	query := url.Values{
		"$top":     []string{strconv.Itoa(pageSize)},
		"$skip":    []string{strconv.Itoa(skip(page.Number))},
		"$orderby": []string{"DocEntry"},
	}
	if !page.Since.IsZero() {
		query.Set("$filter", "DocDate ge '"+page.Since.UTC().Format("2006-01-02")+"'")
	}

	body, err := c.get(ctx, servicePath+"/Invoices?"+query.Encode(), s.sessionID)
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

// FetchCustomerPage fetches one $skip/$top page of customer business
// partners.
func (c *Client) FetchCustomerPage(ctx context.Context, sess registry.Session, page registry.Page) (registry.CustomerPage, error) {
	s, err := c.session(sess)
	if err != nil {
		return registry.CustomerPage{}, err
	}

	filter := "CardType eq 'cCustomer'"
	if !page.Since.IsZero() {
		filter += " and UpdateDate ge '" + page.Since.UTC().Format("2006-01-02") + "'"
	}
	query := url.Values{
		"$top":     []string{strconv.Itoa(pageSize)},
		"$skip":    []string{strconv.Itoa(skip(page.Number))},
		"$orderby": []string{"CardCode"},
		"$filter":  []string{filter},
	}

	body, err := c.get(ctx, servicePath+"/BusinessPartners?"+query.Encode(), s.sessionID)
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

// FetchInvoiceByID fetches one invoice by DocEntry, returning (nil, nil) when
// the company database has no such document.
func (c *Client) FetchInvoiceByID(ctx context.Context, sess registry.Session, id string) (*invoice.Invoice, error) {
	s, err := c.session(sess)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("sap invoice id is required")
	}
	docEntry, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("sap invoice id must be a DocEntry number: %q", id)
	}

	body, err := c.get(ctx, servicePath+"/Invoices("+strconv.Itoa(docEntry)+")", s.sessionID)
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
		return session{}, fmt.Errorf("sapb1: session of wrong vendor %T", sess)
	}
	return s, nil
}

// skip translates a 1-based page number into an OData $skip offset.
func skip(page int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize
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

func (c *Client) get(ctx context.Context, path, sessionID string) ([]byte, error) {
	endpoint := c.config().BaseURL + path
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
		req.Header.Set("Cookie", "B1SESSION="+sessionID)
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
			lastErr = newAPIError("sap service layer rate limited", endpoint, resp, body)
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
			return nil, registry.TransientError(Kind, newAPIError("sap service layer failed", endpoint, resp, body))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, newAPIError("sap service layer failed", endpoint, resp, body)
		}
		return body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("sap request failed")
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
