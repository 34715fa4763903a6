package aigen

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	var seen Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &seen))

		json.NewEncoder(w).Encode(Content{
			Subject: "Quick question about Acme's onboarding",
			Body:    "Hi Dana, noticed Acme is scaling...",
		})
	}))
	defer srv.Close()

	client := NewClientWithDoer(srv.URL, "test-key", srv.Client())
	content, err := client.Generate(context.Background(), Request{
		Channel:     "email",
		Stage:       "initial",
		LeadName:    "Dana",
		LeadCompany: "Acme",
		ProductName: "Widget",
	})
	require.NoError(t, err)

	assert.Equal(t, "Quick question about Acme's onboarding", content.Subject)
	assert.NotEmpty(t, content.Body)
	assert.Equal(t, "Dana", seen.LeadName)
	assert.Equal(t, "initial", seen.Stage)
}

func TestGenerateUnprocessable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"lead has no usable fields"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClientWithDoer(srv.URL, "k", srv.Client())
	_, err := client.Generate(context.Background(), Request{Channel: "email"})
	assert.ErrorIs(t, err, ErrUnusable)
}

func TestGenerateEmptyContentRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Content{Subject: "only a subject"})
	}))
	defer srv.Close()

	// An empty 200 is a service fault; the item keeps its retry budget
	// instead of failing terminally.
	client := NewClientWithDoer(srv.URL, "k", srv.Client())
	_, err := client.Generate(context.Background(), Request{Channel: "email"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnusable)
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream model down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClientWithDoer(srv.URL, "k", srv.Client())
	_, err := client.Generate(context.Background(), Request{Channel: "call"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnusable)
	assert.Contains(t, err.Error(), "502")
}

func TestGenerateScriptOnlyIsUsable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Content{Script: "Hi, this is Sam calling from..."})
	}))
	defer srv.Close()

	client := NewClientWithDoer(srv.URL, "k", srv.Client())
	content, err := client.Generate(context.Background(), Request{Channel: "call"})
	require.NoError(t, err)
	assert.NotEmpty(t, content.Script)
}
