package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

func TestChat(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(chatResponse{
			Model:   got.Model,
			Message: Message{Role: "assistant", Content: "```solidity\ncontract A {}\n```"},
			Done:    true,
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/"})
	reply, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	assert.Contains(t, reply, "contract A")
	assert.Equal(t, "qwen2.5-coder:32b-instruct", got.Model)
	assert.False(t, got.Stream)
	assert.InDelta(t, 0.1, got.Options.Temperature, 1e-9)
	assert.Equal(t, 8192, got.Options.NumCtx)
}

func TestChat_ModelMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'x' not found"}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL, Model: "x"}).Chat(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGeneratorOffline)
}

func TestChat_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(Config{BaseURL: url}).Chat(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, domain.ReasonGeneratorOffline, domain.Classify(err))
}

func TestChat_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Chat(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.NotErrorIs(t, err, domain.ErrGeneratorOffline)
}
