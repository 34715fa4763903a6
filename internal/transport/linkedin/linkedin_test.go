package linkedin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/engage/internal/retrypolicy"
)

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
	return m
}

func TestSendMessageNewChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chats", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-API-KEY"))
		body := decodeBody(t, r)
		assert.Equal(t, "acct-1", body["account_id"])
		assert.Equal(t, []any{"profile-9"}, body["attendees_ids"])
		json.NewEncoder(w).Encode(SendResult{ChatID: "chat-1", MessageID: "msg-1"})
	}))
	defer srv.Close()

	client := NewClientWithDoer(srv.URL, "key", srv.Client())
	res, err := client.SendMessage(context.Background(), "acct-1", "profile-9", "", "Hi!")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", res.ChatID)
	assert.Equal(t, "msg-1", res.MessageID)
}

func TestSendMessageExistingChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chats/chat-7/messages", r.URL.Path)
		json.NewEncoder(w).Encode(SendResult{ChatID: "chat-7", MessageID: "msg-2"})
	}))
	defer srv.Close()

	client := NewClientWithDoer(srv.URL, "key", srv.Client())
	res, err := client.SendMessage(context.Background(), "acct-1", "profile-9", "chat-7", "Following up")
	require.NoError(t, err)
	assert.Equal(t, "chat-7", res.ChatID)
}

func TestSendInvitation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/invite", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "profile-9", body["provider_id"])
		assert.Equal(t, "Would love to connect", body["message"])
		json.NewEncoder(w).Encode(SendResult{MessageID: "inv-1"})
	}))
	defer srv.Close()

	client := NewClientWithDoer(srv.URL, "key", srv.Client())
	res, err := client.SendInvitation(context.Background(), "acct-1", "profile-9", "Would love to connect")
	require.NoError(t, err)
	assert.Equal(t, "inv-1", res.MessageID)
}

func TestSendInMail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.Equal(t, true, body["inmail"])
		assert.Equal(t, "About Acme", body["subject"])
		json.NewEncoder(w).Encode(SendResult{ChatID: "chat-3", MessageID: "msg-3"})
	}))
	defer srv.Close()

	client := NewClientWithDoer(srv.URL, "key", srv.Client())
	res, err := client.SendInMail(context.Background(), "acct-1", "profile-9", "About Acme", "Hi")
	require.NoError(t, err)
	assert.Equal(t, "chat-3", res.ChatID)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"expired session", http.StatusUnauthorized, retrypolicy.ErrAuth},
		{"checkpointed account", http.StatusForbidden, retrypolicy.ErrAuth},
		{"rate limited", http.StatusTooManyRequests, retrypolicy.ErrRateLimited},
		{"profile gone", http.StatusNotFound, retrypolicy.ErrPermanent},
		{"cannot invite", http.StatusUnprocessableEntity, retrypolicy.ErrPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			client := NewClientWithDoer(srv.URL, "k", srv.Client())
			_, err := client.SendMessage(context.Background(), "a", "p", "", "hi")
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}
