// Package client is the Go client the booking flow embeds to ask the bargain
// engine for counter-offers.
//
//	c := client.New(client.Config{BaseURL: "http://bargain-api:8080"})
//	res, err := c.Offer(ctx, client.OfferRequest{
//	    SessionID:         "sess-42",
//	    CanonicalKey:      "hotel:BOM:2025-10-01",
//	    DisplayedPriceUsd: "200.00",
//	    TrueCostUsd:       "150.00",
//	})
//	if res.Aborted() {
//	    // show the displayed price unchanged
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiPrefix = "/api/bargain/v1"

// ErrNotFound is returned by Capsule when the session has no stored decision.
var ErrNotFound = errors.New("bargain-client: not found")

// Config holds the client configuration.
type Config struct {
	// BaseURL is the bargain API endpoint (required).
	BaseURL string

	// Timeout for one HTTP round trip (default 2s). The engine answers well
	// inside its own latency budget, so this only guards against a dead peer.
	Timeout time.Duration

	// HTTPClient overrides the transport; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	base       string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{base: strings.TrimRight(cfg.BaseURL, "/"), httpClient: hc}
}

// APIError is a non-2xx answer other than an abort.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bargain-client: HTTP %d: %s", e.Status, e.Message)
}

// Offer requests a decision for one bargaining round. An ABORTED negotiation
// is a normal result, not an error.
func (c *Client) Offer(ctx context.Context, req OfferRequest) (*OfferResult, error) {
	resp, err := c.do(ctx, http.MethodPost, apiPrefix+"/session/offer", req, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var res OfferResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, fmt.Errorf("bargain-client: failed to parse decision: %w", err)
		}
		return &res, nil
	case http.StatusUnprocessableEntity:
		var abort Abort
		if err := json.NewDecoder(resp.Body).Decode(&abort); err != nil {
			return nil, fmt.Errorf("bargain-client: failed to parse abort: %w", err)
		}
		return &OfferResult{Abort: &abort}, nil
	default:
		return nil, apiError(resp)
	}
}

// VerifyCapsule asks the engine to check a decision it issued.
func (c *Client) VerifyCapsule(ctx context.Context, d *Decision) (*Verification, error) {
	resp, err := c.do(ctx, http.MethodPost, apiPrefix+"/capsule/verify", d, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var v Verification
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("bargain-client: failed to parse verification: %w", err)
	}
	return &v, nil
}

// Capsule fetches the latest stored decision for a session.
func (c *Client) Capsule(ctx context.Context, sessionID string) (*Decision, error) {
	resp, err := c.do(ctx, http.MethodGet, apiPrefix+"/capsule/"+url.PathEscape(sessionID), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var d Decision
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return nil, fmt.Errorf("bargain-client: failed to parse capsule: %w", err)
		}
		return &d, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, apiError(resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, sessionID string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("bargain-client: failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("bargain-client: failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bargain-client: request failed: %w", err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}
