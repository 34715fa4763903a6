// Package aigen calls the content-generation collaborator service. The
// engine treats generated content as opaque text; prompt design and quality
// live on the other side of this HTTP contract.
package aigen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cadencehq/engage/internal/pkg/httpretry"
)

// ErrUnusable is returned when the service answers but cannot produce
// content for this lead (missing fields, policy refusal). Not retryable.
var ErrUnusable = errors.New("aigen: content unusable")

// Request describes one generation call. Strategy is an opaque tag the
// reminder scheduler sets per stage; the service interprets it.
type Request struct {
	Channel     string `json:"channel"` // email | call | linkedin
	Stage       string `json:"stage"`   // initial | r1..rn
	Strategy    string `json:"strategy,omitempty"`
	CampaignID  string `json:"campaign_id"`
	LeadID      string `json:"lead_id"`
	LeadName    string `json:"lead_name"`
	LeadCompany string `json:"lead_company,omitempty"`
	JobTitle    string `json:"job_title,omitempty"`
	Enrichment  string `json:"enrichment,omitempty"` // cached insights JSON

	ProductName string `json:"product_name"`
	ProductDesc string `json:"product_description,omitempty"`

	// Reference content for follow-ups: the thread's first message.
	ReferenceSubject string `json:"reference_subject,omitempty"`
	ReferenceBody    string `json:"reference_body,omitempty"`
	HasOpened        bool   `json:"has_opened,omitempty"`
}

// Content is the generated output. Calls get Script, email gets
// Subject/Body, LinkedIn gets Body only.
type Content struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
	Script  string `json:"script,omitempty"`
}

// Client talks to the generation service with inline retries; a failure
// after retries is a transient dispatch error and goes back to the queue.
type Client struct {
	baseURL string
	apiKey  string
	http    httpretry.HTTPDoer
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    httpretry.NewRetryClient(&http.Client{Timeout: 60 * time.Second}, 2),
	}
}

// NewClientWithDoer is for tests.
func NewClientWithDoer(baseURL, apiKey string, doer httpretry.HTTPDoer) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, http: doer}
}

// Generate produces content for one queue item.
func (c *Client) Generate(ctx context.Context, req Request) (*Content, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("aigen: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("aigen: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("aigen: generate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("aigen: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrUnusable, truncate(body, 200))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("aigen: status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var content Content
	if err := json.Unmarshal(body, &content); err != nil {
		return nil, fmt.Errorf("aigen: decode response: %w", err)
	}
	if content.Body == "" && content.Script == "" {
		// A 200 with no content is a service hiccup, not a verdict on the
		// lead; the item goes back to the queue for another attempt.
		return nil, fmt.Errorf("aigen: empty response")
	}
	return &content, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
