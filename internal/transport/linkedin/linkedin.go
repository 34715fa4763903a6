// Package linkedin talks to the LinkedIn integrator API. Each tenant
// connects one LinkedIn account; the integrator account id scopes every
// call. Outreach shape depends on network distance: first-degree
// connections get direct messages, others an invitation or InMail.
package linkedin

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

// Client talks to the integrator.
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

// SendResult identifies what the integrator created.
type SendResult struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// SendMessage delivers a direct message to a first-degree connection,
// creating a chat or reusing chatID when the conversation exists.
func (c *Client) SendMessage(ctx context.Context, accountID, profileID, chatID, text string) (*SendResult, error) {
	if chatID != "" {
		return c.post(ctx, fmt.Sprintf("/api/v1/chats/%s/messages", chatID), map[string]any{
			"account_id": accountID,
			"text":       text,
		})
	}
	return c.post(ctx, "/api/v1/chats", map[string]any{
		"account_id":    accountID,
		"attendees_ids": []string{profileID},
		"text":          text,
	})
}

// SendInvitation sends a connection request with a note.
func (c *Client) SendInvitation(ctx context.Context, accountID, profileID, note string) (*SendResult, error) {
	return c.post(ctx, "/api/v1/users/invite", map[string]any{
		"account_id":  accountID,
		"provider_id": profileID,
		"message":     note,
	})
}

// SendInMail messages a non-connection directly; requires the tenant's
// account to have InMail credits.
func (c *Client) SendInMail(ctx context.Context, accountID, profileID, subject, text string) (*SendResult, error) {
	return c.post(ctx, "/api/v1/chats", map[string]any{
		"account_id":    accountID,
		"attendees_ids": []string{profileID},
		"text":          text,
		"subject":       subject,
		"inmail":        true,
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) (*SendResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("linkedin: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("linkedin: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("linkedin: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized, http.StatusForbidden:
		// Covers expired sessions and checkpointed accounts; the tenant must
		// reconnect before the channel resumes.
		return nil, fmt.Errorf("%w: linkedin: status %d: %s", retrypolicy.ErrAuth, resp.StatusCode, truncate(body))
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: linkedin: status 429: %s", retrypolicy.ErrRateLimited, truncate(body))
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: linkedin: status %d: %s", retrypolicy.ErrPermanent, resp.StatusCode, truncate(body))
	default:
		return nil, fmt.Errorf("linkedin: status %d: %s", resp.StatusCode, truncate(body))
	}

	var result SendResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("linkedin: decode response: %w", err)
	}
	return &result, nil
}

func truncate(b []byte) string {
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
