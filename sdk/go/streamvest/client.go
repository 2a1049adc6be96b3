// Package streamvest provides a Go client for the StreamVest Chain REST API.
package streamvest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the StreamVest Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// CreateAgreementRequest represents the payload required to open a vesting
// agreement. Amounts are decimal strings, addresses are 0x-prefixed hex.
type CreateAgreementRequest struct {
	Token       string `json:"token"`
	Recipient   string `json:"recipient"`
	TotalAmount string `json:"total_amount"`
	Duration    int64  `json:"duration"`
	Start       int64  `json:"start"`
	Caller      string `json:"caller"`
}

// Agreement mirrors the server side agreement record.
type Agreement struct {
	ID          uint64   `json:"id"`
	Token       string   `json:"token"`
	Sender      string   `json:"sender"`
	Recipient   string   `json:"recipient"`
	TotalAmount *big.Int `json:"total_amount"`
	Start       int64    `json:"start"`
	Duration    int64    `json:"duration"`
	Withdrawn   *big.Int `json:"withdrawn"`
	Active      bool     `json:"active"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

// Withdrawal is the result of a successful withdrawal trigger.
type Withdrawal struct {
	Agreement  *Agreement `json:"agreement"`
	Amount     *big.Int   `json:"amount"`
	ReleasedAt int64      `json:"released_at"`
}

// Cancellation is the result of a successful cancellation.
type Cancellation struct {
	Agreement       *Agreement `json:"agreement"`
	AmountReleased  *big.Int   `json:"amount_released"`
	AmountCancelled *big.Int   `json:"amount_cancelled"`
	EndedAt         int64      `json:"ended_at"`
}

// Stats mirrors the server side registry statistics.
type Stats struct {
	Total          int    `json:"total"`
	Active         int    `json:"active"`
	Terminated     int    `json:"terminated"`
	TotalLocked    string `json:"total_locked"`
	TotalWithdrawn string `json:"total_withdrawn"`
}

// ListQuery filters agreement listings.
type ListQuery struct {
	Limit      int
	Offset     int
	ActiveOnly bool
	Sender     string
	Recipient  string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("streamvest api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("streamvest api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the StreamVest Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreateAgreement opens a new vesting agreement funded by the caller.
func (c *Client) CreateAgreement(ctx context.Context, req CreateAgreementRequest) (*Agreement, error) {
	var created Agreement
	if err := c.post(ctx, "/api/v1/agreements", req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetAgreement fetches a single agreement by id.
func (c *Client) GetAgreement(ctx context.Context, id uint64) (*Agreement, error) {
	var out Agreement
	endpoint := fmt.Sprintf("/api/v1/agreements/%d", id)
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgreements returns agreements matching the query.
func (c *Client) ListAgreements(ctx context.Context, query ListQuery) ([]*Agreement, error) {
	values := url.Values{}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		values.Set("offset", strconv.Itoa(query.Offset))
	}
	if query.ActiveOnly {
		values.Set("active", "true")
	}
	if query.Sender != "" {
		values.Set("sender", query.Sender)
	}
	if query.Recipient != "" {
		values.Set("recipient", query.Recipient)
	}
	endpoint := "/api/v1/agreements"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var out []*Agreement
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WithdrawTokens triggers a payout of the currently withdrawable amount.
// Anyone may call it; funds always flow to the recorded recipient.
func (c *Client) WithdrawTokens(ctx context.Context, id uint64) (*Withdrawal, error) {
	var out Withdrawal
	endpoint := fmt.Sprintf("/api/v1/agreements/%d/withdraw", id)
	if err := c.post(ctx, endpoint, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelAgreement terminates an agreement on behalf of caller, which must be
// the agreement's sender or recipient.
func (c *Client) CancelAgreement(ctx context.Context, id uint64, caller string) (*Cancellation, error) {
	var out Cancellation
	endpoint := fmt.Sprintf("/api/v1/agreements/%d/cancel", id)
	payload := struct {
		Caller string `json:"caller"`
	}{Caller: caller}
	if err := c.post(ctx, endpoint, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStats returns registry wide statistics.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.get(ctx, "/api/v1/agreements/stats", &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
