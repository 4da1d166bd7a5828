// Package billing asks the billing system whether an account on a paid plan
// may keep going past its included daily allowance.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Collaborator decides on overage for an account. overage is the number of
// requests beyond the plan's daily allowance, including the current one.
type Collaborator interface {
	AllowOverage(ctx context.Context, accountID string, overage int64) (bool, error)
}

// Static answers every overage request the same way.
type Static struct {
	Allow bool
}

// AllowOverage implements Collaborator.
func (s Static) AllowOverage(context.Context, string, int64) (bool, error) {
	return s.Allow, nil
}

// HTTPClient asks a billing service over HTTP:
//
//	POST {base}/v1/overage  {"account_id": "...", "overage": 12}  -> {"allow": true}
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a client for the billing service at baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type overageRequest struct {
	AccountID string `json:"account_id"`
	Overage   int64  `json:"overage"`
}

// AllowOverage implements Collaborator.
func (c *HTTPClient) AllowOverage(ctx context.Context, accountID string, overage int64) (bool, error) {
	data, err := json.Marshal(overageRequest{AccountID: accountID, Overage: overage})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/overage", bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("building overage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("calling billing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("billing returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Allow bool `json:"allow"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding billing response: %w", err)
	}
	return out.Allow, nil
}
