package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSigner talks to a custody service over HTTP:
//
//	GET  {base}/v1/wallets/{agent}/balance    -> {"balance": 1.25}
//	POST {base}/v1/wallets/{agent}/transfers  -> {"tx_hash": "0x..."}
//
// 404 maps to ErrUnavailable; 402 and 409 map to ErrInsufficient.
type HTTPSigner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPSigner creates a signer for the custody service at baseURL.
func NewHTTPSigner(baseURL, apiKey string, timeout time.Duration) *HTTPSigner {
	return &HTTPSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Capability implements Signer. The wallet's existence is checked lazily on
// the first Balance or Transfer call.
func (s *HTTPSigner) Capability(_ context.Context, agentID string) (Capability, error) {
	if agentID == "" {
		return nil, ErrUnavailable
	}
	return &httpCapability{signer: s, agentID: agentID}, nil
}

type httpCapability struct {
	signer  *HTTPSigner
	agentID string
}

func (c *httpCapability) walletURL(suffix string) string {
	return fmt.Sprintf("%s/v1/wallets/%s/%s", c.signer.baseURL, url.PathEscape(c.agentID), suffix)
}

func (c *httpCapability) Balance(ctx context.Context) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := c.signer.do(ctx, http.MethodGet, c.walletURL("balance"), nil, &out); err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	return out.Balance, nil
}

func (c *httpCapability) Transfer(ctx context.Context, t Transfer) (string, error) {
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := c.signer.do(ctx, http.MethodPost, c.walletURL("transfers"), t, &out); err != nil {
		return "", fmt.Errorf("transfer to %s: %w", t.To, err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("transfer to %s: custody returned no tx hash", t.To)
	}
	return out.TxHash, nil
}

func (s *HTTPSigner) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnavailable
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusConflict:
		return ErrInsufficient
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("custody returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
