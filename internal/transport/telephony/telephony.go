// Package telephony drives outbound AI voice calls through the call
// provider's REST API. Call completion is asynchronous: the provider posts
// results to the completion webhook, so a successful StartCall only means
// the call was accepted.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cadencehq/engage/internal/pkg/httpretry"
	"github.com/cadencehq/engage/internal/retrypolicy"
)

// CallRequest is one outbound call. FromNumber is the tenant's caller id;
// empty lets the provider pick.
type CallRequest struct {
	PhoneNumber string `json:"phone_number"`
	Task        string `json:"task"` // the call script
	FromNumber  string `json:"from,omitempty"`
	WebhookURL  string `json:"webhook,omitempty"`

	// Metadata is echoed back on the completion webhook for attribution.
	Metadata map[string]string `json:"metadata,omitempty"`
}

type callResponse struct {
	Status  string `json:"status"`
	CallID  string `json:"call_id"`
	Message string `json:"message"`
}

// Client talks to the call provider.
type Client struct {
	baseURL string
	apiKey  string
	http    httpretry.HTTPDoer
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 2),
	}
}

// NewClientWithDoer is for tests.
func NewClientWithDoer(baseURL, apiKey string, doer httpretry.HTTPDoer) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, http: doer}
}

// StartCall places the call and returns the provider call id.
func (c *Client) StartCall(ctx context.Context, req CallRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("telephony: marshal call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/calls", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("telephony: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("telephony: start call: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("%w: telephony: status %d", retrypolicy.ErrAuth, resp.StatusCode)
	case http.StatusPaymentRequired, http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: telephony: status %d: %s", retrypolicy.ErrRateLimited, resp.StatusCode, truncate(body))
	case http.StatusBadRequest:
		// The provider rejects malformed numbers with a 400.
		return "", fmt.Errorf("%w: telephony: %s", retrypolicy.ErrPermanent, truncate(body))
	default:
		return "", fmt.Errorf("telephony: status %d: %s", resp.StatusCode, truncate(body))
	}

	var parsed callResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("telephony: decode response: %w", err)
	}
	if parsed.CallID == "" {
		return "", fmt.Errorf("telephony: accepted without call id: %s", truncate(body))
	}
	return parsed.CallID, nil
}

func truncate(b []byte) string {
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
