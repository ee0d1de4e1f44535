// Package custapi adapts the hosted customer-record API to the
// ledger's store interface. Each customer record carries the credit
// account as string metadata; updates rewrite the whole metadata set.
package custapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mapleshot/mapleshot/internal/config"
	"github.com/mapleshot/mapleshot/internal/ledger"
)

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger

	mu  sync.Mutex
	ids map[string]string // identity -> customer id
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		apiKey:  cfg.CustomerAPIKey,
		baseURL: strings.TrimRight(cfg.CustomerAPIBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
		ids: make(map[string]string),
	}
}

type customer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type customerList struct {
	Data []customer `json:"data"`
}

// Fetch looks up the customer record by identity and returns its
// metadata. Found=false when no record exists yet.
func (c *Client) Fetch(ctx context.Context, identity string) (ledger.Fields, bool, error) {
	cust, found, err := c.findByEmail(ctx, identity)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	c.remember(identity, cust.ID)
	return ledger.Fields(cust.Metadata), true, nil
}

// Create registers a new customer record seeded with the given fields.
func (c *Client) Create(ctx context.Context, identity string, f ledger.Fields) error {
	form := url.Values{}
	form.Set("email", identity)
	encodeMetadata(form, f)

	var cust customer
	if err := c.postForm(ctx, "/v1/customers", form, &cust); err != nil {
		return fmt.Errorf("create customer: %w", err)
	}

	c.remember(identity, cust.ID)
	return nil
}

// Update rewrites the customer record's metadata with the given fields.
// A field mapped to "" is deleted on the provider side.
func (c *Client) Update(ctx context.Context, identity string, f ledger.Fields) error {
	id, err := c.customerID(ctx, identity)
	if err != nil {
		return err
	}

	form := url.Values{}
	encodeMetadata(form, f)

	var cust customer
	if err := c.postForm(ctx, "/v1/customers/"+id, form, &cust); err != nil {
		return fmt.Errorf("update customer %s: %w", id, err)
	}
	return nil
}

func (c *Client) customerID(ctx context.Context, identity string) (string, error) {
	c.mu.Lock()
	id, ok := c.ids[identity]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	cust, found, err := c.findByEmail(ctx, identity)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no customer record for %s", identity)
	}
	c.remember(identity, cust.ID)
	return cust.ID, nil
}

func (c *Client) findByEmail(ctx context.Context, email string) (customer, bool, error) {
	params := url.Values{}
	params.Set("email", email)
	params.Set("limit", "1")

	var list customerList
	if err := c.getJSON(ctx, "/v1/customers?"+params.Encode(), &list); err != nil {
		return customer{}, false, fmt.Errorf("search customer: %w", err)
	}
	if len(list.Data) == 0 {
		return customer{}, false, nil
	}
	return list.Data[0], true, nil
}

func (c *Client) remember(identity, id string) {
	c.mu.Lock()
	c.ids[identity] = id
	c.mu.Unlock()
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ledger.ErrPersistence, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response body: %w", ledger.ErrPersistence, err)
	}

	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("customer API request failed", "status", resp.StatusCode, "method", req.Method, "path", req.URL.Path, "body", truncateBody(rawBody))
		}
		return fmt.Errorf("%w: status=%d path=%s", ledger.ErrPersistence, resp.StatusCode, req.URL.Path)
	}

	if out != nil {
		if err := json.Unmarshal(rawBody, out); err != nil {
			return fmt.Errorf("%w: decode response: %w (body=%s)", ledger.ErrPersistence, err, truncateBody(rawBody))
		}
	}
	return nil
}

func encodeMetadata(form url.Values, f ledger.Fields) {
	for k, v := range f {
		form.Set("metadata["+k+"]", v)
	}
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
