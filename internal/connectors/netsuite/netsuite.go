// Package netsuite implements the NetSuite connector: OAuth1 HMAC-SHA256
// per-request signing, SuiteQL limit/offset pagination, and the REST record
// API for single-invoice fetches.
package netsuite

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
	"time"

	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/invoice"
	"github.com/ledgersync/ledgersync/internal/metrics"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
)

const (
	Kind = credstore.KindNetSuite

	defaultTimeout   = 120 * time.Second
	pageSize         = 100
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB

	suiteQLPath = "/services/rest/query/v1/suiteql"
	recordPath  = "/services/rest/record/v1"
)

// Client talks to one NetSuite account. There is no standing session: every
// request is signed on the fly.
type Client struct {
	cfg     credstore.NetSuiteConfig
	baseURL string
	signer  *signer
	http    *http.Client
	limiter *ratelimit.Limiter
	budget  ratelimit.Budget
}

type session struct{}

func (session) Vendor() string { return Kind }

// NewClient wires a NetSuite client from a validated connection config.
func NewClient(cfg credstore.NetSuiteConfig, deps registry.Deps) (*Client, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		baseURL: cfg.BaseURL(),
		signer:  newSigner(strings.ToUpper(cfg.AccountID), cfg.ConsumerKey, cfg.ConsumerSecret, cfg.TokenID, cfg.TokenSecret),
		http:    deps.HTTP,
		limiter: deps.Limiter,
		budget:  Budget(),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	return c, nil
}

// SetBaseURL overrides the account-derived SuiteTalk root. Used by tests.
func (c *Client) SetBaseURL(base string) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base != "" {
		c.baseURL = base
	}
}

// Budget is the static NetSuite request budget. NetSuite meters per-account
// concurrency hard, so the ceiling stays at one in-flight request.
func Budget() ratelimit.Budget {
	return ratelimit.Budget{PerMinute: 10, PerDay: 5000, MaxConcurrent: 1}
}

func (c *Client) Kind() string { return Kind }
func (c *Client) Name() string { return c.cfg.AccountID }

// Authenticate validates configuration completeness and that the account
// base URL answers a signed request. OAuth1 has no session to establish.
func (c *Client) Authenticate(ctx context.Context) (registry.Session, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, registry.AuthError(Kind, err)
	}
	// Cheap signed probe: one row from a one-row query.
	if _, err := c.suiteQL(ctx, "SELECT id FROM currency", 1, 0); err != nil {
		return nil, registry.AuthError(Kind, err)
	}
	return session{}, nil
}

// RefreshCredentials is a successful no-op: OAuth1 token-based auth does not
// expire.
func (c *Client) RefreshCredentials(context.Context) error {
	metrics.TokenRefreshesTotal.WithLabelValues(Kind, "noop").Inc()
	return nil
}

// FetchInvoicePage runs one limit/offset SuiteQL page of customer invoices.
func (c *Client) FetchInvoicePage(ctx context.Context, sess registry.Session, page registry.Page) (registry.InvoicePage, error) {
	if _, ok := sess.(session); !ok {
		return registry.InvoicePage{}, fmt.Errorf("netsuite: session of wrong vendor %T", sess)
	}

	q := "SELECT id, tranid, trandate, duedate, foreigntotal, taxtotal, currency, status, entityname, email" +
		" FROM transaction WHERE type = 'CustInvc'"
	if !page.Since.IsZero() {
		q += " AND trandate AFTER '" + page.Since.UTC().Format("2006-01-02") + "'"
	}
	q += " ORDER BY id"

	items, hasMore, err := c.suiteQLPaged(ctx, q, page.Number)
	if err != nil {
		return registry.InvoicePage{}, err
	}

	out := registry.InvoicePage{More: hasMore}
	for _, raw := range items {
		out.Invoices = append(out.Invoices, normalizeInvoice(raw))
	}
	return out, nil
}

// FetchCustomerPage runs one limit/offset SuiteQL page of customers.
func (c *Client) FetchCustomerPage(ctx context.Context, sess registry.Session, page registry.Page) (registry.CustomerPage, error) {
	if _, ok := sess.(session); !ok {
		return registry.CustomerPage{}, fmt.Errorf("netsuite: session of wrong vendor %T", sess)
	}

	q := "SELECT id, companyname, email, phone, defaultaddress, vatregnumber FROM customer"
	if !page.Since.IsZero() {
		q += " WHERE lastmodifieddate AFTER '" + page.Since.UTC().Format("2006-01-02") + "'"
	}
	q += " ORDER BY id"

	items, hasMore, err := c.suiteQLPaged(ctx, q, page.Number)
	if err != nil {
		return registry.CustomerPage{}, err
	}

	out := registry.CustomerPage{More: hasMore}
	for _, raw := range items {
		out.Customers = append(out.Customers, normalizeCustomer(raw))
	}
	return out, nil
}

// FetchInvoiceByID fetches a single invoice through the REST record API,
// returning (nil, nil) when no record matches.
func (c *Client) FetchInvoiceByID(ctx context.Context, sess registry.Session, id string) (*invoice.Invoice, error) {
	if _, ok := sess.(session); !ok {
		return nil, fmt.Errorf("netsuite: session of wrong vendor %T", sess)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("netsuite invoice id is required")
	}

	body, err := c.signedRequest(ctx, http.MethodGet, recordPath+"/invoice/"+url.PathEscape(id), url.Values{}, nil)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	inv := normalizeRecordInvoice(body)
	return &inv, nil
}

func (c *Client) suiteQLPaged(ctx context.Context, q string, page int) ([]json.RawMessage, bool, error) {
	if page < 1 {
		page = 1
	}
	return c.suiteQLItems(ctx, q, pageSize, (page-1)*pageSize)
}

func (c *Client) suiteQL(ctx context.Context, q string, limit, offs int) ([]json.RawMessage, error) {
	items, _, err := c.suiteQLItems(ctx, q, limit, offs)
	return items, err
}

func (c *Client) suiteQLItems(ctx context.Context, q string, limit, offs int) ([]json.RawMessage, bool, error) {
	query := url.Values{
		"limit":  []string{strconv.Itoa(limit)},
		"offset": []string{strconv.Itoa(offs)},
	}
	reqBody, err := json.Marshal(map[string]string{"q": q})
	if err != nil {
		return nil, false, err
	}

	body, err := c.signedRequest(ctx, http.MethodPost, suiteQLPath, query, reqBody)
	if err != nil {
		return nil, false, err
	}

	var payload struct {
		Items   []json.RawMessage `json:"items"`
		HasMore bool              `json:"hasMore"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, err
	}
	return payload.Items, payload.HasMore, nil
}

// signedRequest signs and issues one request. The signature base covers the
// query parameters; the JSON body is not part of the OAuth1 base string.
func (c *Client) signedRequest(ctx context.Context, method, path string, query url.Values, reqBody []byte) ([]byte, error) {
	endpoint := c.baseURL + path
	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		release, err := c.throttle(ctx)
		if err != nil {
			return nil, err
		}

		full := endpoint
		if len(query) > 0 {
			full += "?" + query.Encode()
		}
		var bodyReader io.Reader
		if reqBody != nil {
			bodyReader = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, full, bodyReader)
		if err != nil {
			release()
			return nil, err
		}
		req.Header.Set("Authorization", c.signer.authorizationHeader(method, endpoint, query))
		req.Header.Set("Accept", "application/json")
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Prefer", "transient")
		}

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
			lastErr = newAPIError("netsuite api rate limited", full, resp, body)
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
			return nil, registry.TransientError(Kind, newAPIError("netsuite api failed", full, resp, body))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, newAPIError("netsuite api failed", full, resp, body)
		}
		return body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("netsuite request failed")
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
